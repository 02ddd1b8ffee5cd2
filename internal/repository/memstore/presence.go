// Package memstore holds in-process implementations of the repositories. They
// back the server when STORE_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"studysync-backend/internal/models"
	"studysync-backend/internal/repository"
)

type PresenceStore struct {
	mu      sync.RWMutex
	records map[string]models.UserPresence
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{records: make(map[string]models.UserPresence)}
}

func (s *PresenceStore) Upsert(ctx context.Context, p models.UserPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[p.Username] = clonePresence(p)
	return nil
}

func (s *PresenceStore) Touch(ctx context.Context, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[username]
	if !ok {
		return repository.ErrNotFound
	}
	p.LastHeartbeat = at
	s.records[username] = p
	return nil
}

func (s *PresenceStore) Patch(ctx context.Context, username string, patch models.PresencePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[username]
	if !ok {
		return repository.ErrNotFound
	}
	if patch.StatusText != nil {
		p.StatusText = *patch.StatusText
	}
	if patch.IsStudying != nil {
		p.IsStudying = *patch.IsStudying
	}
	if patch.IsFocusMode != nil {
		p.IsFocusMode = *patch.IsFocusMode
	}
	if patch.ImageURL != nil {
		if *patch.ImageURL == "" {
			p.ImageURL = nil
		} else {
			url := *patch.ImageURL
			p.ImageURL = &url
		}
	}
	s.records[username] = p
	return nil
}

func (s *PresenceStore) Get(ctx context.Context, username string) (*models.UserPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p = clonePresence(p)
	return &p, nil
}

func (s *PresenceStore) List(ctx context.Context) ([]models.UserPresence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.UserPresence, 0, len(s.records))
	for _, p := range s.records {
		out = append(out, clonePresence(p))
	}
	return out, nil
}

func (s *PresenceStore) Delete(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[username]; !ok {
		return repository.ErrNotFound
	}
	delete(s.records, username)
	return nil
}

func clonePresence(p models.UserPresence) models.UserPresence {
	if p.ImageURL != nil {
		url := *p.ImageURL
		p.ImageURL = &url
	}
	return p
}
