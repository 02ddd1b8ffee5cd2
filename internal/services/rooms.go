package services

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
)

const (
	DefaultTypingTTL = 5 * time.Second
	maxRoomNameRunes = 60
	minPasscodeLen   = 4
)

// presenceReader answers liveness checks for room membership.
type presenceReader interface {
	IsLive(ctx context.Context, username string) (bool, error)
}

type CreateRoomInput struct {
	Name       string            `json:"name"`
	Visibility models.Visibility `json:"visibility"`
	Passcode   string            `json:"passcode,omitempty"`
}

type RoomService struct {
	rooms     RoomStore
	state     RoomStateStore
	typing    TypingStore
	presence  presenceReader
	broker    pubsub.Broker
	clock     Clock
	typingTTL time.Duration
}

func NewRoomService(rooms RoomStore, state RoomStateStore, typing TypingStore, broker pubsub.Broker, clock Clock, typingTTL time.Duration) *RoomService {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &RoomService{
		rooms:     rooms,
		state:     state,
		typing:    typing,
		broker:    broker,
		clock:     clock,
		typingTTL: typingTTL,
	}
}

// SetPresence wires the liveness check. Presence and rooms depend on each
// other, so this is set after both are constructed.
func (s *RoomService) SetPresence(p presenceReader) {
	s.presence = p
}

func (s *RoomService) CreateRoom(ctx context.Context, owner string, in CreateRoomInput) (*models.Room, error) {
	if in.Visibility == "" {
		in.Visibility = models.VisibilityPrivate
	}
	in.Name = strings.TrimSpace(in.Name)

	fieldErrors := make(map[string]string)
	if !in.Visibility.Valid() {
		fieldErrors["visibility"] = "Visibility must be public or private"
	}
	if utf8.RuneCountInString(in.Name) > maxRoomNameRunes {
		fieldErrors["name"] = "Name must be at most 60 characters"
	}
	if in.Passcode != "" {
		if in.Visibility != models.VisibilityPrivate {
			fieldErrors["passcode"] = "Only private rooms can have a passcode"
		} else if len(in.Passcode) < minPasscodeLen {
			fieldErrors["passcode"] = "Passcode must be at least 4 characters"
		}
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	if in.Name == "" {
		in.Name = owner + "'s room"
	}

	room := &models.Room{
		ID:         uuid.New().String(),
		Name:       in.Name,
		Visibility: in.Visibility,
		OwnerID:    &owner,
		CreatedAt:  s.clock.now(),
	}
	if in.Passcode != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Passcode), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		room.PasscodeHash = string(hash)
	}

	if _, err := s.rooms.Create(ctx, room, s.defaultState(room.ID, room.CreatedAt)); err != nil {
		return nil, &TransientError{Op: "rooms.create", Err: err}
	}
	return s.GetRoom(ctx, room.ID)
}

// JoinRoom adds username to the room. Joining twice is a no-op success. The
// public room is created on the first join attempt.
func (s *RoomService) JoinRoom(ctx context.Context, roomID, username, passcode string) (*models.Room, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil && isNotFound(err) && roomID == models.PublicRoomID {
		if err := s.ensurePublicRoom(ctx); err != nil {
			return nil, err
		}
		room, err = s.rooms.Get(ctx, roomID)
	}
	if err != nil {
		return nil, storeErr("rooms.join", err, "Room not found")
	}

	if s.presence != nil {
		live, err := s.presence.IsLive(ctx, username)
		if err != nil {
			return nil, err
		}
		if !live {
			return nil, &NotFoundError{Message: "User is not online"}
		}
	}

	if room.PasscodeHash != "" && !room.HasParticipant(username) {
		if bcrypt.CompareHashAndPassword([]byte(room.PasscodeHash), []byte(passcode)) != nil {
			return nil, &UnauthorizedError{Message: "Invalid room passcode"}
		}
	}

	added, err := s.rooms.AddParticipant(ctx, roomID, username, s.clock.now())
	if err != nil {
		return nil, storeErr("rooms.join", err, "Room not found")
	}

	joined, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if added {
		s.publishParticipants(ctx, models.EventParticipantJoined, joined, username)
	}
	return joined, nil
}

// LeaveRoom is idempotent and never deletes the room.
func (s *RoomService) LeaveRoom(ctx context.Context, roomID, username string) error {
	removed, err := s.rooms.RemoveParticipant(ctx, roomID, username)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return &TransientError{Op: "rooms.leave", Err: err}
	}
	if err := s.typing.ClearTyping(ctx, roomID, username); err != nil {
		log.Printf("rooms: failed to clear typing for %s in %s: %v", username, roomID, err)
	}
	if removed {
		room, err := s.rooms.Get(ctx, roomID)
		if err != nil {
			return nil
		}
		s.publishParticipants(ctx, models.EventParticipantLeft, room, username)
	}
	return nil
}

// GetRoom returns the room with its shared state and fresh typing users.
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, storeErr("rooms.get", err, "Room not found")
	}

	state, err := s.state.State(ctx, roomID)
	if err != nil {
		return nil, storeErr("rooms.state", err, "Room not found")
	}
	room.SharedState = state

	typing, err := s.freshTyping(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.TypingUsers = typing
	return room, nil
}

func (s *RoomService) ListPublicRooms(ctx context.Context) ([]models.RoomSummary, error) {
	rooms, err := s.rooms.ListPublic(ctx)
	if err != nil {
		return nil, &TransientError{Op: "rooms.list", Err: err}
	}
	return rooms, nil
}

// RemoveFromAllRooms retracts username from every room it occupies.
func (s *RoomService) RemoveFromAllRooms(ctx context.Context, username string) error {
	roomIDs, err := s.rooms.RoomsOf(ctx, username)
	if err != nil {
		return &TransientError{Op: "rooms.rooms_of", Err: err}
	}
	for _, roomID := range roomIDs {
		if err := s.LeaveRoom(ctx, roomID, username); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRoom is the admin removal path. Subscribers are told before the room
// disappears.
func (s *RoomService) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return storeErr("rooms.delete", err, "Room not found")
	}
	if err := s.rooms.Delete(ctx, roomID); err != nil {
		return storeErr("rooms.delete", err, "Room not found")
	}
	ev, err := models.NewEvent(models.EventRoomDeleted, roomID, s.clock.now(), map[string]string{"room_id": roomID})
	if err == nil {
		s.broker.Publish(ctx, pubsub.RoomTopic(roomID), ev)
	}
	return nil
}

// IsParticipant reports whether username has joined roomID.
func (s *RoomService) IsParticipant(ctx context.Context, roomID, username string) (bool, error) {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return false, storeErr("rooms.get", err, "Room not found")
	}
	return room.HasParticipant(username), nil
}

func (s *RoomService) ensurePublicRoom(ctx context.Context) error {
	now := s.clock.now()
	room := &models.Room{
		ID:         models.PublicRoomID,
		Name:       "Public Study Room",
		Visibility: models.VisibilityPublic,
		CreatedAt:  now,
	}
	created, err := s.rooms.Create(ctx, room, s.defaultState(room.ID, now))
	if err != nil {
		return &TransientError{Op: "rooms.ensure_public", Err: err}
	}
	if created {
		log.Printf("rooms: created public room %s", models.PublicRoomID)
	}
	return nil
}

func (s *RoomService) defaultState(roomID string, at time.Time) *models.RoomSharedState {
	notepad := models.Notepad{
		ID:             uuid.New().String(),
		RoomID:         roomID,
		Name:           models.DefaultNotepadName,
		LastModifiedAt: at,
	}
	return &models.RoomSharedState{
		Timer:           models.DefaultTimer(at),
		Notepads:        []models.Notepad{notepad},
		ActiveNotepadID: notepad.ID,
	}
}

func (s *RoomService) freshTyping(ctx context.Context, roomID string) (map[string]time.Time, error) {
	raw, err := s.typing.Typing(ctx, roomID)
	if err != nil {
		return nil, &TransientError{Op: "rooms.typing", Err: err}
	}
	return filterTyping(raw, s.clock.now(), s.typingTTL), nil
}

func (s *RoomService) publishParticipants(ctx context.Context, eventType string, room *models.Room, username string) {
	ev, err := models.NewEvent(eventType, room.ID, s.clock.now(), models.ParticipantChange{
		Username:     username,
		Participants: room.Participants,
	})
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, pubsub.RoomTopic(room.ID), ev); err != nil {
		log.Printf("rooms: publish %s in %s failed: %v", eventType, room.ID, err)
	}
}

// filterTyping drops indicators older than ttl regardless of explicit clears.
func filterTyping(raw map[string]time.Time, now time.Time, ttl time.Duration) map[string]time.Time {
	fresh := make(map[string]time.Time, len(raw))
	for username, at := range raw {
		if now.Sub(at) < ttl {
			fresh[username] = at
		}
	}
	return fresh
}
