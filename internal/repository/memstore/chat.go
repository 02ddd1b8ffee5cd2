package memstore

import (
	"context"
	"sync"

	"studysync-backend/internal/models"
	"studysync-backend/internal/repository"
)

// ChatStore keeps each room's log ordered by sequence.
type ChatStore struct {
	mu    sync.RWMutex
	rooms map[string][]models.ChatMessage
}

func NewChatStore() *ChatStore {
	return &ChatStore{rooms: make(map[string][]models.ChatMessage)}
}

// Append assigns the next per-room sequence to msg.
func (s *ChatStore) Append(ctx context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.rooms[msg.RoomID]
	msg.Seq = int64(len(log)) + 1
	s.rooms[msg.RoomID] = append(log, cloneMessage(*msg))
	return nil
}

func (s *ChatStore) Recent(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.rooms[roomID]
	start := len(log) - limit
	if start < 0 {
		start = 0
	}
	return cloneMessages(log[start:]), nil
}

func (s *ChatStore) Before(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.rooms[roomID]
	end := len(log)
	if beforeSeq > 0 && beforeSeq-1 < int64(end) {
		end = int(beforeSeq - 1)
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return cloneMessages(log[start:end]), nil
}

func (s *ChatStore) Get(ctx context.Context, roomID, messageID string) (*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.rooms[roomID] {
		if m.ID == messageID {
			out := cloneMessage(m)
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *ChatStore) ToggleReaction(ctx context.Context, roomID, messageID, emoji, username string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.rooms[roomID]
	for i := range log {
		if log[i].ID == messageID {
			log[i].Reactions = models.ToggleReaction(log[i].Reactions, emoji, username)
			return cloneReactions(log[i].Reactions), nil
		}
	}
	return nil, repository.ErrNotFound
}

func cloneMessages(in []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(in))
	for i, m := range in {
		out[i] = cloneMessage(m)
	}
	return out
}

func cloneMessage(m models.ChatMessage) models.ChatMessage {
	m.Reactions = cloneReactions(m.Reactions)
	if m.ImageURL != nil {
		url := *m.ImageURL
		m.ImageURL = &url
	}
	return m
}

func cloneReactions(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for emoji, users := range in {
		out[emoji] = append([]string{}, users...)
	}
	return out
}
