package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"studysync-backend/internal/models"
)

// ChatRepo is the primary chat log. Sequences are allocated per room from the
// rooms.chat_seq counter.
type ChatRepo struct {
	pool *pgxpool.Pool
}

func NewChatRepo(pool *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{pool: pool}
}

func (r *ChatRepo) Append(ctx context.Context, msg *models.ChatMessage) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		"UPDATE rooms SET chat_seq = chat_seq + 1 WHERE id = $1 RETURNING chat_seq", msg.RoomID,
	).Scan(&msg.Seq); err != nil {
		return notFound(err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO chat_messages (id, room_id, seq, author, text, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.RoomID, msg.Seq, msg.Author, msg.Text, msg.ImageURL, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return tx.Commit(ctx)
}

// Recent returns the newest limit messages in ascending order.
func (r *ChatRepo) Recent(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	return r.page(ctx, `
		SELECT id::text, seq, room_id, author, text, image_url, created_at
		FROM chat_messages
		WHERE room_id = $1
		ORDER BY seq DESC
		LIMIT $2`, roomID, limit)
}

func (r *ChatRepo) Before(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]models.ChatMessage, error) {
	if beforeSeq <= 0 {
		return r.Recent(ctx, roomID, limit)
	}
	return r.page(ctx, `
		SELECT id::text, seq, room_id, author, text, image_url, created_at
		FROM chat_messages
		WHERE room_id = $1 AND seq < $3
		ORDER BY seq DESC
		LIMIT $2`, roomID, limit, beforeSeq)
}

func (r *ChatRepo) Get(ctx context.Context, roomID, messageID string) (*models.ChatMessage, error) {
	m := &models.ChatMessage{}
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, seq, room_id, author, text, image_url, created_at
		FROM chat_messages WHERE room_id = $1 AND id::text = $2`, roomID, messageID,
	).Scan(&m.ID, &m.Seq, &m.RoomID, &m.Author, &m.Text, &m.ImageURL, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}

	reactions, err := r.reactions(ctx, []string{m.ID})
	if err != nil {
		return nil, err
	}
	m.Reactions = reactionsOrEmpty(reactions[m.ID])
	return m, nil
}

// ToggleReaction removes the reaction if present, otherwise adds it.
func (r *ChatRepo) ToggleReaction(ctx context.Context, roomID, messageID, emoji, username string) (map[string][]string, error) {
	if _, err := r.Get(ctx, roomID, messageID); err != nil {
		return nil, err
	}

	tag, err := r.pool.Exec(ctx,
		"DELETE FROM chat_reactions WHERE message_id = $1 AND emoji = $2 AND username = $3",
		messageID, emoji, username)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.pool.Exec(ctx, `
			INSERT INTO chat_reactions (message_id, emoji, username)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, messageID, emoji, username); err != nil {
			return nil, err
		}
	}

	reactions, err := r.reactions(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	return reactionsOrEmpty(reactions[messageID]), nil
}

func (r *ChatRepo) page(ctx context.Context, query string, args ...any) ([]models.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.Seq, &m.RoomID, &m.Author, &m.Text, &m.ImageURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	reactions, err := r.reactions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Reactions = reactionsOrEmpty(reactions[msgs[i].ID])
	}

	models.SortMessages(msgs)
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	return msgs, nil
}

func (r *ChatRepo) reactions(ctx context.Context, messageIDs []string) (map[string]map[string][]string, error) {
	out := make(map[string]map[string][]string)
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT message_id::text, emoji, username
		FROM chat_reactions
		WHERE message_id::text = ANY($1)
		ORDER BY message_id, emoji, username`, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, emoji, username string
		if err := rows.Scan(&id, &emoji, &username); err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = make(map[string][]string)
		}
		out[id][emoji] = append(out[id][emoji], username)
	}
	return out, rows.Err()
}

func reactionsOrEmpty(r map[string][]string) map[string][]string {
	if r == nil {
		return map[string][]string{}
	}
	return r
}
