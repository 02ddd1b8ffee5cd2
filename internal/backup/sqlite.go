// Package backup mirrors chat messages into a local SQLite database. It is a
// secondary copy; the primary chat log lives in the room store.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"studysync-backend/internal/models"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chat_backup.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d&_pragma=journal_mode=WAL", path, separator, defaultBusyTimeout)
}

func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chat_backup (
			message_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			username TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			backed_up_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_backup_room ON chat_backup(room_id, timestamp_ms);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Write stores rec. Writing the same message twice is not an error.
func (s *Store) Write(ctx context.Context, rec models.BackupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_backup(message_id, room_id, username, text, timestamp_ms) VALUES(?, ?, ?, ?, ?)`,
		rec.MessageID, rec.RoomID, rec.Username, rec.Text, rec.Timestamp.UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return nil
		}
		return fmt.Errorf("backup message %s: %w", rec.MessageID, err)
	}
	return nil
}

// ListRoom returns the backed-up messages of a room, oldest first.
func (s *Store) ListRoom(ctx context.Context, roomID string, limit int) ([]models.BackupRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, room_id, username, text, timestamp_ms
		FROM chat_backup
		WHERE room_id = ?
		ORDER BY timestamp_ms, message_id
		LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BackupRecord
	for rows.Next() {
		var rec models.BackupRecord
		var ms int64
		if err := rows.Scan(&rec.MessageID, &rec.RoomID, &rec.Username, &rec.Text, &ms); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
