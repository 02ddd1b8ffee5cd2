package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"studysync-backend/internal/models"
)

// RoomRepo stores rooms, memberships and the shared room state. Timer fields
// live on the room row; notepads have their own table.
type RoomRepo struct {
	pool *pgxpool.Pool
}

func NewRoomRepo(pool *pgxpool.Pool) *RoomRepo {
	return &RoomRepo{pool: pool}
}

// Create inserts the room with its initial state. It reports false when a
// room with the same id already exists.
func (r *RoomRepo) Create(ctx context.Context, room *models.Room, state *models.RoomSharedState) (bool, error) {
	if state == nil {
		state = &models.RoomSharedState{Timer: models.DefaultTimer(room.CreatedAt)}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	t := state.Timer
	tag, err := tx.Exec(ctx, `
		INSERT INTO rooms (id, name, visibility, owner_id, passcode_hash, created_at, active_notepad_id,
			timer_mode, timer_running, timer_started_at, timer_duration_seconds, timer_elapsed_seconds,
			timer_updated_at, timer_updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		room.ID, room.Name, string(room.Visibility), room.OwnerID, room.PasscodeHash, room.CreatedAt, state.ActiveNotepadID,
		string(t.Mode), t.Running, t.StartedAt, t.DurationSeconds, t.ElapsedSeconds, t.UpdatedAt, t.UpdatedBy,
	)
	if err != nil {
		return false, fmt.Errorf("insert room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for _, n := range state.Notepads {
		if _, err := tx.Exec(ctx, `
			INSERT INTO notepads (id, room_id, name, content, owner, position, last_modified_by, last_modified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			n.ID, room.ID, n.Name, n.Content, n.Owner, n.Position, n.LastModifiedBy, n.LastModifiedAt,
		); err != nil {
			return false, fmt.Errorf("insert notepad: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RoomRepo) Get(ctx context.Context, roomID string) (*models.Room, error) {
	room := &models.Room{}
	var visibility string
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, visibility, owner_id, passcode_hash, created_at
		FROM rooms WHERE id = $1`, roomID,
	).Scan(&room.ID, &room.Name, &visibility, &room.OwnerID, &room.PasscodeHash, &room.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	room.Visibility = models.Visibility(visibility)

	rows, err := r.pool.Query(ctx, `
		SELECT username FROM room_participants
		WHERE room_id = $1
		ORDER BY joined_at, username`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	room.Participants = []string{}
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, err
		}
		room.Participants = append(room.Participants, username)
	}
	return room, rows.Err()
}

func (r *RoomRepo) ListPublic(ctx context.Context) ([]models.RoomSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, r.visibility, r.owner_id, r.created_at, COUNT(p.username)
		FROM rooms r
		LEFT JOIN room_participants p ON p.room_id = r.id
		WHERE r.visibility = 'public'
		GROUP BY r.id
		ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.RoomSummary{}
	for rows.Next() {
		var s models.RoomSummary
		var visibility string
		if err := rows.Scan(&s.ID, &s.Name, &visibility, &s.OwnerID, &s.CreatedAt, &s.ParticipantCount); err != nil {
			return nil, err
		}
		s.Visibility = models.Visibility(visibility)
		rooms = append(rooms, s)
	}
	return rooms, rows.Err()
}

func (r *RoomRepo) AddParticipant(ctx context.Context, roomID, username string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO room_participants (room_id, username, joined_at)
		SELECT id, $2, $3 FROM rooms WHERE id = $1
		ON CONFLICT (room_id, username) DO NOTHING`, roomID, username, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if err := r.exists(ctx, roomID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *RoomRepo) RemoveParticipant(ctx context.Context, roomID, username string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		"DELETE FROM room_participants WHERE room_id = $1 AND username = $2", roomID, username)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if err := r.exists(ctx, roomID); err != nil {
		return false, err
	}
	return false, nil
}

func (r *RoomRepo) RoomsOf(ctx context.Context, username string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT room_id FROM room_participants WHERE username = $1 ORDER BY room_id", username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RoomRepo) Delete(ctx context.Context, roomID string) error {
	tag, err := r.pool.Exec(ctx, "DELETE FROM rooms WHERE id = $1", roomID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoomRepo) State(ctx context.Context, roomID string) (*models.RoomSharedState, error) {
	state := &models.RoomSharedState{}
	err := r.pool.QueryRow(ctx, `
		SELECT active_notepad_id, `+timerColumns+`
		FROM rooms WHERE id = $1`, roomID,
	).Scan(append([]any{&state.ActiveNotepadID}, timerDest(&state.Timer)...)...)
	if err != nil {
		return nil, notFound(err)
	}
	if err := normalizeTimerMode(&state.Timer); err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+notepadColumns+`
		FROM notepads WHERE room_id = $1
		ORDER BY position, id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state.Notepads = []models.Notepad{}
	for rows.Next() {
		var n models.Notepad
		if err := rows.Scan(notepadDest(&n)...); err != nil {
			return nil, err
		}
		state.Notepads = append(state.Notepads, n)
	}
	return state, rows.Err()
}

// PatchTimer merges the patch unless the stored write is newer than at.
func (r *RoomRepo) PatchTimer(ctx context.Context, roomID string, patch models.TimerPatch, at time.Time, by string) (*models.TimerState, bool, error) {
	var mode *string
	if patch.Mode != nil {
		m := string(*patch.Mode)
		mode = &m
	}

	timer := &models.TimerState{}
	err := r.pool.QueryRow(ctx, `
		UPDATE rooms SET
			timer_mode = COALESCE($2::text, timer_mode),
			timer_running = COALESCE($3::boolean, timer_running),
			timer_started_at = CASE WHEN $4::boolean THEN NULL ELSE COALESCE($5::timestamptz, timer_started_at) END,
			timer_duration_seconds = COALESCE($6::int, timer_duration_seconds),
			timer_elapsed_seconds = COALESCE($7::int, timer_elapsed_seconds),
			timer_updated_at = $8,
			timer_updated_by = $9
		WHERE id = $1 AND timer_updated_at <= $8
		RETURNING `+timerColumns,
		roomID, mode, patch.Running, patch.ClearStartedAt, patch.StartedAt,
		patch.DurationSeconds, patch.ElapsedSeconds, at, by,
	).Scan(timerDest(timer)...)

	if errors.Is(err, pgx.ErrNoRows) {
		// Either the room is gone or a newer write won.
		state, err := r.State(ctx, roomID)
		if err != nil {
			return nil, false, err
		}
		return &state.Timer, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := normalizeTimerMode(timer); err != nil {
		return nil, false, err
	}
	return timer, true, nil
}

func (r *RoomRepo) CreateNotepad(ctx context.Context, n *models.Notepad) error {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO notepads (id, room_id, name, content, owner, position, last_modified_by, last_modified_at)
		SELECT $1, id, $3, $4, $5, $6, $7, $8 FROM rooms WHERE id = $2`,
		n.ID, n.RoomID, n.Name, n.Content, n.Owner, n.Position, n.LastModifiedBy, n.LastModifiedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = r.pool.Exec(ctx,
		"UPDATE rooms SET active_notepad_id = $2 WHERE id = $1 AND active_notepad_id = ''", n.RoomID, n.ID)
	return err
}

func (r *RoomRepo) GetNotepad(ctx context.Context, roomID, notepadID string) (*models.Notepad, error) {
	n := &models.Notepad{}
	err := r.pool.QueryRow(ctx, `
		SELECT `+notepadColumns+`
		FROM notepads WHERE room_id = $1 AND id = $2`, roomID, notepadID,
	).Scan(notepadDest(n)...)
	if err != nil {
		return nil, notFound(err)
	}
	return n, nil
}

func (r *RoomRepo) WriteNotepad(ctx context.Context, roomID, notepadID, content, by string, at time.Time) (*models.Notepad, error) {
	n := &models.Notepad{}
	err := r.pool.QueryRow(ctx, `
		UPDATE notepads SET content = $3, last_modified_by = $4, last_modified_at = $5
		WHERE room_id = $1 AND id = $2
		RETURNING `+notepadColumns,
		roomID, notepadID, content, by, at,
	).Scan(notepadDest(n)...)
	if err != nil {
		return nil, notFound(err)
	}
	return n, nil
}

// ClaimNotepad sets the owner if it is unset or already username.
func (r *RoomRepo) ClaimNotepad(ctx context.Context, roomID, notepadID, username string) (*models.Notepad, error) {
	n := &models.Notepad{}
	err := r.pool.QueryRow(ctx, `
		UPDATE notepads SET owner = $3
		WHERE room_id = $1 AND id = $2 AND (owner IS NULL OR owner = $3)
		RETURNING `+notepadColumns,
		roomID, notepadID, username,
	).Scan(notepadDest(n)...)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetNotepad(ctx, roomID, notepadID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (r *RoomRepo) RenameNotepad(ctx context.Context, roomID, notepadID, name string) (*models.Notepad, error) {
	n := &models.Notepad{}
	err := r.pool.QueryRow(ctx, `
		UPDATE notepads SET name = $3
		WHERE room_id = $1 AND id = $2
		RETURNING `+notepadColumns,
		roomID, notepadID, name,
	).Scan(notepadDest(n)...)
	if err != nil {
		return nil, notFound(err)
	}
	return n, nil
}

func (r *RoomRepo) SetActiveNotepad(ctx context.Context, roomID, notepadID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE rooms SET active_notepad_id = $2
		WHERE id = $1 AND EXISTS (SELECT 1 FROM notepads WHERE room_id = $1 AND id = $2)`,
		roomID, notepadID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RoomRepo) exists(ctx context.Context, roomID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)", roomID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

const timerColumns = `timer_mode, timer_running, timer_started_at, timer_duration_seconds,
	timer_elapsed_seconds, timer_updated_at, timer_updated_by`

func timerDest(t *models.TimerState) []any {
	return []any{&t.Mode, &t.Running, &t.StartedAt, &t.DurationSeconds, &t.ElapsedSeconds, &t.UpdatedAt, &t.UpdatedBy}
}

func normalizeTimerMode(t *models.TimerState) error {
	switch t.Mode {
	case models.TimerModeWork, models.TimerModeBreak:
		return nil
	}
	return fmt.Errorf("unknown timer mode %q", t.Mode)
}

const notepadColumns = `id, room_id, name, content, owner, position, last_modified_by, last_modified_at`

func notepadDest(n *models.Notepad) []any {
	return []any{&n.ID, &n.RoomID, &n.Name, &n.Content, &n.Owner, &n.Position, &n.LastModifiedBy, &n.LastModifiedAt}
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
