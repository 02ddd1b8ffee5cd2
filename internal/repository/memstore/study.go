package memstore

import (
	"context"
	"sync"
	"time"

	"studysync-backend/internal/models"
	"studysync-backend/internal/repository"
)

// StudyLogStore accumulates seconds per user and day.
type StudyLogStore struct {
	mu   sync.RWMutex
	logs map[string]map[time.Time]int64
}

func NewStudyLogStore() *StudyLogStore {
	return &StudyLogStore{logs: make(map[string]map[time.Time]int64)}
}

func (s *StudyLogStore) AddSeconds(ctx context.Context, username string, day time.Time, seconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	days, ok := s.logs[username]
	if !ok {
		days = make(map[time.Time]int64)
		s.logs[username] = days
	}
	days[day.UTC()] += seconds
	return nil
}

// Totals sums days in [from, to). Zero bounds are open.
func (s *StudyLogStore) Totals(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64)
	for username, days := range s.logs {
		for day, seconds := range days {
			if !from.IsZero() && day.Before(from) {
				continue
			}
			if !to.IsZero() && !day.Before(to) {
				continue
			}
			out[username] += seconds
		}
	}
	return out, nil
}

type StudySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.StudySession
}

func NewStudySessionStore() *StudySessionStore {
	return &StudySessionStore{sessions: make(map[string]*models.StudySession)}
}

func (s *StudySessionStore) Start(ctx context.Context, session *models.StudySession) (*models.StudySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed *models.StudySession
	for _, open := range s.sessions {
		if open.Username == session.Username && open.EndedAt == nil {
			endSession(open, session.StartedAt)
			out := *open
			closed = &out
		}
	}

	stored := *session
	s.sessions[session.ID] = &stored
	return closed, nil
}

func (s *StudySessionStore) Heartbeat(ctx context.Context, sessionID, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.Username != username || session.EndedAt != nil {
		return repository.ErrNotFound
	}
	session.LastHeartbeatAt = at
	return nil
}

func (s *StudySessionStore) Stop(ctx context.Context, sessionID, username string, at time.Time) (*models.StudySession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.Username != username {
		return nil, false, repository.ErrNotFound
	}
	ended := false
	if session.EndedAt == nil {
		endSession(session, at)
		ended = true
	}
	out := *session
	return &out, ended, nil
}

func endSession(session *models.StudySession, at time.Time) {
	seconds := int(at.Sub(session.StartedAt) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > models.MaxSessionSeconds {
		seconds = models.MaxSessionSeconds
	}
	ended := at
	session.EndedAt = &ended
	session.LastHeartbeatAt = at
	session.DurationSeconds = seconds
}

// LeaderboardCache is a process-local cache for ranked views.
type LeaderboardCache struct {
	mu      sync.RWMutex
	gen     int64
	entries map[string][]models.LeaderboardEntry
}

func NewLeaderboardCache() *LeaderboardCache {
	return &LeaderboardCache{entries: make(map[string][]models.LeaderboardEntry)}
}

func (c *LeaderboardCache) Get(ctx context.Context, key string) ([]models.LeaderboardEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]models.LeaderboardEntry{}, entries...), true, nil
}

func (c *LeaderboardCache) Generation(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen, nil
}

func (c *LeaderboardCache) Set(ctx context.Context, key string, entries []models.LeaderboardEntry, gen int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false, nil
	}
	c.entries[key] = append([]models.LeaderboardEntry{}, entries...)
	return true, nil
}

func (c *LeaderboardCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[string][]models.LeaderboardEntry)
	return nil
}
