package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// typingKeyTTL bounds how long an abandoned typing hash lingers.
const typingKeyTTL = time.Hour

// TypingRepo keeps typing indicators in the hash typing:<room>, one field per
// user holding the unix-millisecond timestamp of the last keystroke.
type TypingRepo struct {
	rdb *redis.Client
}

func NewTypingRepo(rdb *redis.Client) *TypingRepo {
	return &TypingRepo{rdb: rdb}
}

func typingKey(roomID string) string {
	return "typing:" + roomID
}

func (r *TypingRepo) SetTyping(ctx context.Context, roomID, username string, at time.Time) error {
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, typingKey(roomID), username, strconv.FormatInt(at.UnixMilli(), 10))
	pipe.Expire(ctx, typingKey(roomID), typingKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *TypingRepo) ClearTyping(ctx context.Context, roomID, username string) error {
	return r.rdb.HDel(ctx, typingKey(roomID), username).Err()
}

func (r *TypingRepo) Typing(ctx context.Context, roomID string) (map[string]time.Time, error) {
	values, err := r.rdb.HGetAll(ctx, typingKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(values))
	for username, raw := range values {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[username] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}
