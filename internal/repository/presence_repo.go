package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"studysync-backend/internal/models"
)

const presenceIndexKey = "presence:index"

// hsetIfExists writes ARGV field/value pairs into KEYS[1] only if the hash is
// still there, so a write racing Delete cannot leave a partial record.
var hsetIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// PresenceRepo stores each presence as a Redis hash so that heartbeats and
// status changes write only their own fields.
type PresenceRepo struct {
	rdb *redis.Client
}

func NewPresenceRepo(rdb *redis.Client) *PresenceRepo {
	return &PresenceRepo{rdb: rdb}
}

func presenceKey(username string) string {
	return "presence:" + username
}

func (r *PresenceRepo) Upsert(ctx context.Context, p models.UserPresence) error {
	fields := map[string]interface{}{
		"username":       p.Username,
		"status_text":    p.StatusText,
		"is_studying":    boolField(p.IsStudying),
		"is_focus_mode":  boolField(p.IsFocusMode),
		"last_heartbeat": strconv.FormatInt(p.LastHeartbeat.UnixMilli(), 10),
		"image_url":      "",
	}
	if p.ImageURL != nil {
		fields["image_url"] = *p.ImageURL
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, presenceKey(p.Username), fields)
	pipe.SAdd(ctx, presenceIndexKey, p.Username)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *PresenceRepo) Touch(ctx context.Context, username string, at time.Time) error {
	return r.update(ctx, username, []interface{}{"last_heartbeat", strconv.FormatInt(at.UnixMilli(), 10)})
}

func (r *PresenceRepo) Patch(ctx context.Context, username string, patch models.PresencePatch) error {
	return r.update(ctx, username, patchFields(patch))
}

// update applies field/value pairs to an existing presence. An empty update
// still reports ErrNotFound for a missing record.
func (r *PresenceRepo) update(ctx context.Context, username string, fields []interface{}) error {
	if len(fields) == 0 {
		return r.requireExists(ctx, username)
	}
	ok, err := hsetIfExists.Run(ctx, r.rdb, []string{presenceKey(username)}, fields...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// patchFields flattens the set members of patch into HSET arguments.
func patchFields(patch models.PresencePatch) []interface{} {
	var fields []interface{}
	if patch.StatusText != nil {
		fields = append(fields, "status_text", *patch.StatusText)
	}
	if patch.IsStudying != nil {
		fields = append(fields, "is_studying", boolField(*patch.IsStudying))
	}
	if patch.IsFocusMode != nil {
		fields = append(fields, "is_focus_mode", boolField(*patch.IsFocusMode))
	}
	if patch.ImageURL != nil {
		fields = append(fields, "image_url", *patch.ImageURL)
	}
	return fields
}

func (r *PresenceRepo) Get(ctx context.Context, username string) (*models.UserPresence, error) {
	values, err := r.rdb.HGetAll(ctx, presenceKey(username)).Result()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	p := decodePresence(username, values)
	return &p, nil
}

func (r *PresenceRepo) List(ctx context.Context) ([]models.UserPresence, error) {
	usernames, err := r.rdb.SMembers(ctx, presenceIndexKey).Result()
	if err != nil {
		return nil, err
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(usernames))
	for i, username := range usernames {
		cmds[i] = pipe.HGetAll(ctx, presenceKey(username))
	}
	if len(usernames) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}
	}

	out := make([]models.UserPresence, 0, len(usernames))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			// Index entry without a hash: drop it lazily.
			r.rdb.SRem(ctx, presenceIndexKey, usernames[i])
			continue
		}
		out = append(out, decodePresence(usernames[i], values))
	}
	return out, nil
}

func (r *PresenceRepo) Delete(ctx context.Context, username string) error {
	pipe := r.rdb.TxPipeline()
	del := pipe.Del(ctx, presenceKey(username))
	pipe.SRem(ctx, presenceIndexKey, username)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PresenceRepo) requireExists(ctx context.Context, username string) error {
	n, err := r.rdb.Exists(ctx, presenceKey(username)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func decodePresence(username string, values map[string]string) models.UserPresence {
	p := models.UserPresence{
		Username:    username,
		StatusText:  values["status_text"],
		IsStudying:  values["is_studying"] == "1",
		IsFocusMode: values["is_focus_mode"] == "1",
	}
	if ms, err := strconv.ParseInt(values["last_heartbeat"], 10, 64); err == nil {
		p.LastHeartbeat = time.UnixMilli(ms).UTC()
	}
	if url := values["image_url"]; url != "" {
		p.ImageURL = &url
	}
	return p
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
