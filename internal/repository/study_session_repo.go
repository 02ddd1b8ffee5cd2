package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"studysync-backend/internal/models"
)

type StudySessionRepo struct {
	pool *pgxpool.Pool
}

func NewStudySessionRepo(pool *pgxpool.Pool) *StudySessionRepo {
	return &StudySessionRepo{pool: pool}
}

const sessionColumns = `id::text, username, room_id, started_at, last_heartbeat_at, ended_at, duration_seconds`

// Start closes the user's open session, if any, and inserts s.
func (r *StudySessionRepo) Start(ctx context.Context, s *models.StudySession) (*models.StudySession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var closed *models.StudySession
	prev := &models.StudySession{}
	err = tx.QueryRow(ctx, `
		UPDATE study_sessions
		SET ended_at = $2,
			duration_seconds = GREATEST(0, LEAST($3, EXTRACT(EPOCH FROM ($2 - started_at))::INT)),
			last_heartbeat_at = $2
		WHERE username = $1
		  AND ended_at IS NULL
		RETURNING `+sessionColumns,
		s.Username, s.StartedAt, models.MaxSessionSeconds,
	).Scan(sessionDest(prev)...)
	switch {
	case err == nil:
		closed = prev
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO study_sessions (id, username, room_id, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Username, s.RoomID, s.StartedAt, s.LastHeartbeatAt,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return closed, nil
}

func (r *StudySessionRepo) Heartbeat(ctx context.Context, sessionID, username string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE study_sessions
		SET last_heartbeat_at = $3
		WHERE id = $1
		  AND username = $2
		  AND ended_at IS NULL
	`, sessionID, username, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stop ends an open session. Stopping an ended session returns it with
// ended=false.
func (r *StudySessionRepo) Stop(ctx context.Context, sessionID, username string, at time.Time) (*models.StudySession, bool, error) {
	s := &models.StudySession{}
	err := r.pool.QueryRow(ctx, `
		UPDATE study_sessions
		SET ended_at = $3,
			last_heartbeat_at = $3,
			duration_seconds = GREATEST(0, LEAST($4, EXTRACT(EPOCH FROM ($3 - started_at))::INT))
		WHERE id = $1
		  AND username = $2
		  AND ended_at IS NULL
		RETURNING `+sessionColumns,
		sessionID, username, at, models.MaxSessionSeconds,
	).Scan(sessionDest(s)...)
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM study_sessions WHERE id = $1 AND username = $2`, sessionID, username,
	).Scan(sessionDest(s)...)
	if err != nil {
		return nil, false, notFound(err)
	}
	return s, false, nil
}

func sessionDest(s *models.StudySession) []any {
	return []any{&s.ID, &s.Username, &s.RoomID, &s.StartedAt, &s.LastHeartbeatAt, &s.EndedAt, &s.DurationSeconds}
}
