package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"studysync-backend/internal/models"
	"studysync-backend/internal/repository"
)

type roomRecord struct {
	room   models.Room
	state  models.RoomSharedState
	typing map[string]time.Time
}

// RoomStore keeps rooms, their shared state and typing indicators.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomRecord
}

func NewRoomStore() *RoomStore {
	return &RoomStore{rooms: make(map[string]*roomRecord)}
}

func (s *RoomStore) Create(ctx context.Context, room *models.Room, state *models.RoomSharedState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return false, nil
	}
	rec := &roomRecord{room: cloneRoom(*room), typing: make(map[string]time.Time)}
	rec.room.Participants = []string{}
	rec.room.SharedState = nil
	rec.room.TypingUsers = nil
	if state != nil {
		rec.state = cloneState(*state)
	}
	s.rooms[room.ID] = rec
	return true, nil
}

func (s *RoomStore) Get(ctx context.Context, roomID string) (*models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	room := cloneRoom(rec.room)
	return &room, nil
}

func (s *RoomStore) ListPublic(ctx context.Context) ([]models.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.RoomSummary{}
	for _, rec := range s.rooms {
		if rec.room.Visibility != models.VisibilityPublic {
			continue
		}
		out = append(out, models.RoomSummary{
			ID:               rec.room.ID,
			Name:             rec.room.Name,
			Visibility:       rec.room.Visibility,
			OwnerID:          rec.room.OwnerID,
			ParticipantCount: len(rec.room.Participants),
			CreatedAt:        rec.room.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *RoomStore) AddParticipant(ctx context.Context, roomID, username string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if rec.room.HasParticipant(username) {
		return false, nil
	}
	rec.room.Participants = append(rec.room.Participants, username)
	return true, nil
}

func (s *RoomStore) RemoveParticipant(ctx context.Context, roomID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return false, repository.ErrNotFound
	}
	for i, p := range rec.room.Participants {
		if p == username {
			rec.room.Participants = append(rec.room.Participants[:i:i], rec.room.Participants[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *RoomStore) RoomsOf(ctx context.Context, username string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, rec := range s.rooms {
		if rec.room.HasParticipant(username) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RoomStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return repository.ErrNotFound
	}
	delete(s.rooms, roomID)
	return nil
}

func (s *RoomStore) State(ctx context.Context, roomID string) (*models.RoomSharedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	state := cloneState(rec.state)
	return &state, nil
}

func (s *RoomStore) PatchTimer(ctx context.Context, roomID string, patch models.TimerPatch, at time.Time, by string) (*models.TimerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	applied := patch.Apply(&rec.state.Timer, at, by)
	timer := cloneTimer(rec.state.Timer)
	return &timer, applied, nil
}

func (s *RoomStore) CreateNotepad(ctx context.Context, n *models.Notepad) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[n.RoomID]
	if !ok {
		return repository.ErrNotFound
	}
	rec.state.Notepads = append(rec.state.Notepads, cloneNotepad(*n))
	if rec.state.ActiveNotepadID == "" {
		rec.state.ActiveNotepadID = n.ID
	}
	return nil
}

func (s *RoomStore) GetNotepad(ctx context.Context, roomID, notepadID string) (*models.Notepad, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.notepad(roomID, notepadID)
	if err != nil {
		return nil, err
	}
	out := cloneNotepad(*n)
	return &out, nil
}

func (s *RoomStore) WriteNotepad(ctx context.Context, roomID, notepadID, content, by string, at time.Time) (*models.Notepad, error) {
	return s.mutateNotepad(roomID, notepadID, func(n *models.Notepad) error {
		n.Content = content
		n.LastModifiedBy = by
		n.LastModifiedAt = at
		return nil
	})
}

func (s *RoomStore) ClaimNotepad(ctx context.Context, roomID, notepadID, username string) (*models.Notepad, error) {
	return s.mutateNotepad(roomID, notepadID, func(n *models.Notepad) error {
		if n.Owner != nil && *n.Owner != username {
			return repository.ErrAlreadyClaimed
		}
		owner := username
		n.Owner = &owner
		return nil
	})
}

func (s *RoomStore) RenameNotepad(ctx context.Context, roomID, notepadID, name string) (*models.Notepad, error) {
	return s.mutateNotepad(roomID, notepadID, func(n *models.Notepad) error {
		n.Name = name
		return nil
	})
}

func (s *RoomStore) SetActiveNotepad(ctx context.Context, roomID, notepadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.notepad(roomID, notepadID); err != nil {
		return err
	}
	s.rooms[roomID].state.ActiveNotepadID = notepadID
	return nil
}

func (s *RoomStore) SetTyping(ctx context.Context, roomID, username string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rooms[roomID]
	if !ok {
		return repository.ErrNotFound
	}
	rec.typing[username] = at
	return nil
}

func (s *RoomStore) ClearTyping(ctx context.Context, roomID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.rooms[roomID]; ok {
		delete(rec.typing, username)
	}
	return nil
}

func (s *RoomStore) Typing(ctx context.Context, roomID string) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time)
	if rec, ok := s.rooms[roomID]; ok {
		for u, at := range rec.typing {
			out[u] = at
		}
	}
	return out, nil
}

// notepad must be called with mu held.
func (s *RoomStore) notepad(roomID, notepadID string) (*models.Notepad, error) {
	rec, ok := s.rooms[roomID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	n := rec.state.Notepad(notepadID)
	if n == nil {
		return nil, repository.ErrNotFound
	}
	return n, nil
}

func (s *RoomStore) mutateNotepad(roomID, notepadID string, fn func(n *models.Notepad) error) (*models.Notepad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.notepad(roomID, notepadID)
	if err != nil {
		return nil, err
	}
	if err := fn(n); err != nil {
		return nil, err
	}
	out := cloneNotepad(*n)
	return &out, nil
}

func cloneRoom(r models.Room) models.Room {
	r.Participants = append([]string{}, r.Participants...)
	if r.OwnerID != nil {
		owner := *r.OwnerID
		r.OwnerID = &owner
	}
	return r
}

func cloneState(st models.RoomSharedState) models.RoomSharedState {
	st.Timer = cloneTimer(st.Timer)
	notepads := make([]models.Notepad, len(st.Notepads))
	for i, n := range st.Notepads {
		notepads[i] = cloneNotepad(n)
	}
	sort.SliceStable(notepads, func(i, j int) bool {
		return notepads[i].Position < notepads[j].Position
	})
	st.Notepads = notepads
	return st
}

func cloneTimer(t models.TimerState) models.TimerState {
	if t.StartedAt != nil {
		started := *t.StartedAt
		t.StartedAt = &started
	}
	return t
}

func cloneNotepad(n models.Notepad) models.Notepad {
	if n.Owner != nil {
		owner := *n.Owner
		n.Owner = &owner
	}
	return n
}
