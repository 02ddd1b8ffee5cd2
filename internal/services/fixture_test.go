package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
	"studysync-backend/internal/repository/memstore"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingQueue struct {
	mu      sync.Mutex
	records []models.BackupRecord
	err     error
}

func (q *recordingQueue) Enqueue(ctx context.Context, rec models.BackupRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.records = append(q.records, rec)
	return nil
}

func (q *recordingQueue) Records() []models.BackupRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.BackupRecord, len(q.records))
	copy(out, q.records)
	return out
}

type countingMetrics struct {
	mu             sync.Mutex
	sent, failures int
}

func (m *countingMetrics) ChatMessageSent() {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
}

func (m *countingMetrics) BackupFailed() {
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
}

func (m *countingMetrics) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.failures
}

type fixture struct {
	clock    *fakeClock
	broker   *pubsub.MemoryBroker
	queue    *recordingQueue
	rooms    *RoomService
	presence *PresenceService
	state    *RoomStateService
	chat     *ChatService
	board    *LeaderboardService
	sessions *StudySessionService
	cache    *memstore.LeaderboardCache
}

var testEpoch = time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC) // a Wednesday

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newFakeClock(testEpoch)
	now := Clock(clock.Now)
	broker := pubsub.NewMemoryBroker()
	roomStore := memstore.NewRoomStore()
	queue := &recordingQueue{}
	cache := memstore.NewLeaderboardCache()

	rooms := NewRoomService(roomStore, roomStore, roomStore, broker, now, 0)
	presence := NewPresenceService(memstore.NewPresenceStore(), rooms, broker, now, 0, 0)
	rooms.SetPresence(presence)

	board := NewLeaderboardService(memstore.NewStudyLogStore(), cache, now, time.UTC)

	f := &fixture{
		clock:    clock,
		broker:   broker,
		queue:    queue,
		rooms:    rooms,
		presence: presence,
		state:    NewRoomStateService(roomStore, roomStore, roomStore, broker, now, 0),
		chat:     NewChatService(memstore.NewChatStore(), roomStore, broker, queue, now, nil),
		board:    board,
		sessions: NewStudySessionService(memstore.NewStudySessionStore(), board, now),
		cache:    cache,
	}
	t.Cleanup(f.chat.Wait)
	return f
}

// online registers username and puts it in a fresh private room.
func (f *fixture) online(t *testing.T, usernames ...string) {
	t.Helper()
	for _, u := range usernames {
		if _, err := f.presence.Register(context.Background(), u, ""); err != nil {
			t.Fatalf("register %s: %v", u, err)
		}
	}
}

func (f *fixture) roomWith(t *testing.T, usernames ...string) string {
	t.Helper()
	f.online(t, usernames...)
	room, err := f.rooms.CreateRoom(context.Background(), usernames[0], CreateRoomInput{Visibility: models.VisibilityPrivate})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	for _, u := range usernames {
		if _, err := f.rooms.JoinRoom(context.Background(), room.ID, u, ""); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}
	return room.ID
}

// collector gathers values delivered on a subscription goroutine.
type collector[T any] struct {
	ch chan T
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{ch: make(chan T, 64)}
}

func (c *collector[T]) add(v T) {
	c.ch <- v
}

func (c *collector[T]) next(t *testing.T) T {
	t.Helper()
	select {
	case v := <-c.ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	var zero T
	return zero
}

// until returns the first delivered value matching ok.
func (c *collector[T]) until(t *testing.T, ok func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-c.ch:
			if ok(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching delivery")
			var zero T
			return zero
		}
	}
}

func (c *collector[T]) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-c.ch:
		t.Fatalf("unexpected delivery: %v", v)
	case <-time.After(wait):
	}
}
