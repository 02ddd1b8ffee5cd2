package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studysync-backend/internal/models"
	"studysync-backend/internal/repository/memstore"
)

func TestStartOfWeek(t *testing.T) {
	kolkata := time.FixedZone("IST", 5*3600+1800)

	tests := []struct {
		name string
		in   time.Time
		loc  *time.Location
		want time.Time
	}{
		{"wednesday", time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), time.UTC, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)},
		{"monday midnight", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), time.UTC, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)},
		{"sunday night", time.Date(2026, 3, 15, 23, 59, 59, 0, time.UTC), time.UTC, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)},
		// Sunday 20:00 UTC is already Monday in Kolkata.
		{"zone rollover", time.Date(2026, 3, 15, 20, 0, 0, 0, time.UTC), kolkata, time.Date(2026, 3, 16, 0, 0, 0, 0, kolkata)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := StartOfWeek(tc.in, tc.loc); !got.Equal(tc.want) {
				t.Fatalf("StartOfWeek(%s) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestWeeklyWindowBoundaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	monday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	record := func(user string, day time.Time, seconds int64) {
		t.Helper()
		if err := f.board.RecordStudy(ctx, user, day, seconds); err != nil {
			t.Fatalf("record %s: %v", user, err)
		}
	}
	record("alice", monday.Add(-time.Second), 5000) // previous Sunday
	record("alice", monday, 600)                    // this Monday
	record("bob", monday.AddDate(0, 0, 6), 1200)    // this Sunday
	record("carol", monday.AddDate(0, 0, 7), 9000)  // next Monday
	record("dave", monday.AddDate(0, 0, 2), 600)    // ties with alice

	entries, err := f.board.Weekly(ctx, testEpoch)
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}

	want := []struct {
		user           string
		weekly, totals int64
	}{
		{"bob", 1200, 1200},
		{"alice", 600, 5600},
		{"dave", 600, 600},
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), entries)
	}
	for i, w := range want {
		e := entries[i]
		if e.Username != w.user || e.WeeklyStudySeconds != w.weekly || e.TotalStudySeconds != w.totals || e.Rank != i+1 {
			t.Fatalf("entry %d: got %+v, want %+v", i, e, w)
		}
	}
}

func TestAllTimeRanking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lastMonth := testEpoch.AddDate(0, -1, 0)
	if err := f.board.RecordStudy(ctx, "alice", lastMonth, 7200); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := f.board.RecordStudy(ctx, "bob", testEpoch, 3600); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := f.board.AllTime(ctx)
	if err != nil {
		t.Fatalf("all time: %v", err)
	}
	if len(entries) != 2 || entries[0].Username != "alice" || entries[0].WeeklyStudySeconds != 0 {
		t.Fatalf("unexpected all-time ranking: %+v", entries)
	}
	if entries[1].Username != "bob" || entries[1].WeeklyStudySeconds != 3600 {
		t.Fatalf("expected bob's weekly figure, got %+v", entries[1])
	}
}

func TestRecordStudyInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.board.RecordStudy(ctx, "alice", testEpoch, 60); err != nil {
		t.Fatalf("record: %v", err)
	}
	first, _ := f.board.Weekly(ctx, testEpoch)
	if len(first) != 1 || first[0].WeeklyStudySeconds != 60 {
		t.Fatalf("unexpected first read: %+v", first)
	}

	if err := f.board.RecordStudy(ctx, "alice", testEpoch, 60); err != nil {
		t.Fatalf("record: %v", err)
	}
	second, _ := f.board.Weekly(ctx, testEpoch)
	if second[0].WeeklyStudySeconds != 120 {
		t.Fatalf("expected fresh figure after invalidation, got %+v", second)
	}
}

// gatedLogs holds the first Totals call until release is closed.
type gatedLogs struct {
	StudyLogStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLogs) Totals(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	totals, err := g.StudyLogStore.Totals(ctx, from, to)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return totals, err
}

func TestWeeklyReadOverlappingWriteIsNotCached(t *testing.T) {
	logs := &gatedLogs{
		StudyLogStore: memstore.NewStudyLogStore(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	cache := memstore.NewLeaderboardCache()
	board := NewLeaderboardService(logs, cache, Clock(newFakeClock(testEpoch).Now), time.UTC)
	ctx := context.Background()

	done := make(chan []models.LeaderboardEntry, 1)
	go func() {
		entries, err := board.Weekly(ctx, testEpoch)
		if err != nil {
			t.Errorf("weekly: %v", err)
		}
		done <- entries
	}()

	<-logs.entered
	if err := board.RecordStudy(ctx, "alice", testEpoch, 600); err != nil {
		t.Fatalf("record: %v", err)
	}
	close(logs.release)

	if stale := <-done; len(stale) != 0 {
		t.Fatalf("overlapping read should see the pre-write totals, got %+v", stale)
	}
	if _, ok, _ := cache.Get(ctx, weeklyCacheKey(StartOfWeek(testEpoch, time.UTC))); ok {
		t.Fatalf("view computed before the invalidation must not be cached")
	}

	fresh, err := board.Weekly(ctx, testEpoch)
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if len(fresh) != 1 || fresh[0].WeeklyStudySeconds != 600 {
		t.Fatalf("expected alice's 600s after the write, got %+v", fresh)
	}
}

func TestRecordStudyValidation(t *testing.T) {
	f := newFixture(t)

	var ve *ValidationError
	if err := f.board.RecordStudy(context.Background(), "alice", testEpoch, 0); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for zero seconds, got %v", err)
	}
	if err := f.board.RecordStudy(context.Background(), "", testEpoch, 10); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty username, got %v", err)
	}
}

func TestLeaderboardWithoutCache(t *testing.T) {
	board := NewLeaderboardService(memstore.NewStudyLogStore(), nil, nil, nil)
	ctx := context.Background()

	if err := board.RecordStudy(ctx, "alice", time.Now(), 30); err != nil {
		t.Fatalf("record: %v", err)
	}
	entries, err := board.Weekly(ctx, time.Time{})
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if len(entries) != 1 || entries[0].WeeklyStudySeconds != 30 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if err := board.Warm(ctx); err != nil {
		t.Fatalf("warm: %v", err)
	}
}

func TestLeaderboardSchedulerNextRun(t *testing.T) {
	if _, err := NewLeaderboardScheduler(nil, "not a cron"); err == nil {
		t.Fatalf("expected invalid cron to be rejected")
	}

	s, err := NewLeaderboardScheduler(nil, "")
	if err != nil {
		t.Fatalf("default cron: %v", err)
	}
	next, err := s.NextRun(testEpoch)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, next)
	}

	// Start is a no-op without a leaderboard; Stop is idempotent.
	s.Start()
	s.Stop()
	s.Stop()
}

func TestLeaderboardSchedulerFollowsBoardZone(t *testing.T) {
	kolkata := time.FixedZone("IST", 5*3600+1800)
	board := NewLeaderboardService(memstore.NewStudyLogStore(), nil, nil, kolkata)

	s, err := NewLeaderboardScheduler(board, "")
	if err != nil {
		t.Fatalf("default cron: %v", err)
	}
	next, err := s.NextRun(testEpoch)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := StartOfWeek(testEpoch.AddDate(0, 0, 7), kolkata)
	if !next.Equal(want) {
		t.Fatalf("expected the tick at the Kolkata week start %s, got %s", want, next)
	}
}

func TestAllTimeCacheIsScopedToWeek(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.board.RecordStudy(ctx, "alice", testEpoch, 90); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := f.board.AllTime(ctx); err != nil {
		t.Fatalf("all time: %v", err)
	}

	// Next week, without any write or warm in between.
	f.clock.Set(testEpoch.AddDate(0, 0, 7))
	entries, err := f.board.AllTime(ctx)
	if err != nil {
		t.Fatalf("all time: %v", err)
	}
	if len(entries) != 1 || entries[0].TotalStudySeconds != 90 || entries[0].WeeklyStudySeconds != 0 {
		t.Fatalf("expected a fresh view with no weekly seconds, got %+v", entries)
	}
}
