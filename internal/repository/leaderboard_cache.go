package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"studysync-backend/internal/models"
)

const (
	leaderboardKeysSet = "leaderboard:keys"
	leaderboardGenKey  = "leaderboard:gen"
)

// setIfGeneration writes a view only while the generation is unchanged.
// KEYS: gen, view, key set. ARGV: expected gen, payload, ttl ms.
var setIfGeneration = redis.NewScript(`
local gen = redis.call('GET', KEYS[1]) or '0'
if gen ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], KEYS[2])
return 1
`)

// LeaderboardCache stores ranked views as JSON strings. Keys are tracked in a
// set so Invalidate can drop all of them at once; the INCR'd generation key
// keeps reads computed before an invalidation from being stored after it.
type LeaderboardCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLeaderboardCache(rdb *redis.Client, ttl time.Duration) *LeaderboardCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LeaderboardCache{rdb: rdb, ttl: ttl}
}

func (c *LeaderboardCache) Get(ctx context.Context, key string) ([]models.LeaderboardEntry, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entries []models.LeaderboardEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		c.rdb.Del(ctx, key)
		return nil, false, nil
	}
	return entries, true, nil
}

func (c *LeaderboardCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.rdb.Get(ctx, leaderboardGenKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *LeaderboardCache) Set(ctx context.Context, key string, entries []models.LeaderboardEntry, gen int64) (bool, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return false, err
	}
	stored, err := setIfGeneration.Run(ctx, c.rdb,
		[]string{leaderboardGenKey, key, leaderboardKeysSet},
		strconv.FormatInt(gen, 10), raw, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// Invalidate bumps the generation before dropping the views.
func (c *LeaderboardCache) Invalidate(ctx context.Context) error {
	if err := c.rdb.Incr(ctx, leaderboardGenKey).Err(); err != nil {
		return err
	}
	keys, err := c.rdb.SMembers(ctx, leaderboardKeysSet).Result()
	if err != nil {
		return err
	}
	keys = append(keys, leaderboardKeysSet)
	return c.rdb.Del(ctx, keys...).Err()
}
