package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"studysync-backend/internal/models"
)

const maxLeaderboardSize = 100

type LeaderboardService struct {
	logs  StudyLogStore
	cache LeaderboardCache
	clock Clock
	loc   *time.Location
}

// NewLeaderboardService builds the aggregator. Weeks start on Monday 00:00 in
// loc; a nil loc means UTC. cache may be nil.
func NewLeaderboardService(logs StudyLogStore, cache LeaderboardCache, clock Clock, loc *time.Location) *LeaderboardService {
	if loc == nil {
		loc = time.UTC
	}
	return &LeaderboardService{logs: logs, cache: cache, clock: clock, loc: loc}
}

// Weekly ranks users by seconds studied in the week containing now.
func (s *LeaderboardService) Weekly(ctx context.Context, now time.Time) ([]models.LeaderboardEntry, error) {
	if now.IsZero() {
		now = s.clock.now()
	}
	from := StartOfWeek(now, s.loc)
	key := weeklyCacheKey(from)

	if entries, ok := s.cached(ctx, key); ok {
		return entries, nil
	}
	gen, cacheable := s.generation(ctx)

	weekly, err := s.logs.Totals(ctx, from, from.AddDate(0, 0, 7))
	if err != nil {
		return nil, &TransientError{Op: "leaderboard.weekly", Err: err}
	}
	total, err := s.logs.Totals(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, &TransientError{Op: "leaderboard.weekly", Err: err}
	}

	entries := rankEntries(weekly, total, true)
	if cacheable {
		s.store(ctx, key, entries, gen)
	}
	return entries, nil
}

// AllTime ranks users by total seconds studied. Weekly figures are for the
// current week.
func (s *LeaderboardService) AllTime(ctx context.Context) ([]models.LeaderboardEntry, error) {
	from := StartOfWeek(s.clock.now(), s.loc)
	key := allTimeCacheKey(from)

	if entries, ok := s.cached(ctx, key); ok {
		return entries, nil
	}
	gen, cacheable := s.generation(ctx)
	weekly, err := s.logs.Totals(ctx, from, from.AddDate(0, 0, 7))
	if err != nil {
		return nil, &TransientError{Op: "leaderboard.all_time", Err: err}
	}
	total, err := s.logs.Totals(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, &TransientError{Op: "leaderboard.all_time", Err: err}
	}

	entries := rankEntries(weekly, total, false)
	if cacheable {
		s.store(ctx, key, entries, gen)
	}
	return entries, nil
}

// RecordStudy adds seconds to username's log for the day containing date.
func (s *LeaderboardService) RecordStudy(ctx context.Context, username string, date time.Time, seconds int64) error {
	if seconds <= 0 {
		return &ValidationError{Fields: map[string]string{"seconds": "Seconds must be positive"}}
	}
	if username == "" {
		return &ValidationError{Fields: map[string]string{"username": "Username is required"}}
	}

	day := date.In(s.loc)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	if err := s.logs.AddSeconds(ctx, username, day, seconds); err != nil {
		return &TransientError{Op: "leaderboard.record", Err: err}
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			log.Printf("leaderboard: cache invalidation failed: %v", err)
		}
	}
	return nil
}

// Warm recomputes the cached views for the current week.
func (s *LeaderboardService) Warm(ctx context.Context) error {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			return &TransientError{Op: "leaderboard.warm", Err: err}
		}
	}
	if _, err := s.Weekly(ctx, s.clock.now()); err != nil {
		return err
	}
	_, err := s.AllTime(ctx)
	return err
}

func (s *LeaderboardService) cached(ctx context.Context, key string) ([]models.LeaderboardEntry, bool) {
	if s.cache == nil {
		return nil, false
	}
	entries, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Printf("leaderboard: cache read %s failed: %v", key, err)
		return nil, false
	}
	return entries, ok
}

// generation reads the cache generation before totals are computed. A view
// is only cacheable when that read succeeded.
func (s *LeaderboardService) generation(ctx context.Context) (int64, bool) {
	if s.cache == nil {
		return 0, false
	}
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		log.Printf("leaderboard: cache generation read failed: %v", err)
		return 0, false
	}
	return gen, true
}

func (s *LeaderboardService) store(ctx context.Context, key string, entries []models.LeaderboardEntry, gen int64) {
	stored, err := s.cache.Set(ctx, key, entries, gen)
	if err != nil {
		log.Printf("leaderboard: cache write %s failed: %v", key, err)
		return
	}
	if !stored {
		log.Printf("leaderboard: skipped caching %s, invalidated while computing", key)
	}
}

// Location is the zone weeks are computed in.
func (s *LeaderboardService) Location() *time.Location {
	return s.loc
}

// StartOfWeek returns Monday 00:00 of the week containing t, in loc.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return day.AddDate(0, 0, -offset)
}

func weeklyCacheKey(weekStart time.Time) string {
	return fmt.Sprintf("leaderboard:weekly:%s", weekStart.Format("2006-01-02"))
}

// allTimeCacheKey is scoped to the week because entries carry weekly figures.
func allTimeCacheKey(weekStart time.Time) string {
	return fmt.Sprintf("leaderboard:alltime:%s", weekStart.Format("2006-01-02"))
}

// rankEntries builds the ranking from per-user weekly and all-time totals.
// Only users with a positive figure in the ranked dimension are listed,
// descending, ties broken by username.
func rankEntries(weekly, total map[string]int64, byWeekly bool) []models.LeaderboardEntry {
	ranked := total
	if byWeekly {
		ranked = weekly
	}

	entries := make([]models.LeaderboardEntry, 0, len(ranked))
	for username, seconds := range ranked {
		if seconds <= 0 {
			continue
		}
		entries = append(entries, models.LeaderboardEntry{
			Username:           username,
			WeeklyStudySeconds: weekly[username],
			TotalStudySeconds:  total[username],
		})
	}

	score := func(e models.LeaderboardEntry) int64 {
		if byWeekly {
			return e.WeeklyStudySeconds
		}
		return e.TotalStudySeconds
	}
	sort.Slice(entries, func(i, j int) bool {
		si, sj := score(entries[i]), score(entries[j])
		if si != sj {
			return si > sj
		}
		return entries[i].Username < entries[j].Username
	})

	if len(entries) > maxLeaderboardSize {
		entries = entries[:maxLeaderboardSize]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
