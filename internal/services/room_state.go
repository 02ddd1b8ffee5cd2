package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
	"studysync-backend/internal/repository"
)

const (
	maxNotepadBytes     = 64 * 1024
	maxNotepadNameRunes = 40
	maxNotepadsPerRoom  = 20
	minTimerSeconds     = 60
	maxTimerSeconds     = 4 * 60 * 60

	EventStateSnapshot = "state_snapshot"
)

// Timer actions accepted by UpdateTimer.
const (
	TimerStart   = "start"
	TimerPause   = "pause"
	TimerReset   = "reset"
	TimerSetMode = "set_mode"
)

type TimerInput struct {
	Action          string            `json:"action"`
	Mode            *models.TimerMode `json:"mode,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
}

// RoomStateService owns the per-room shared fields. Writes are last-write-wins
// against the server clock; there is no merging of concurrent notepad edits.
type RoomStateService struct {
	rooms     RoomStore
	state     RoomStateStore
	typing    TypingStore
	broker    pubsub.Broker
	clock     Clock
	typingTTL time.Duration
}

func NewRoomStateService(rooms RoomStore, state RoomStateStore, typing TypingStore, broker pubsub.Broker, clock Clock, typingTTL time.Duration) *RoomStateService {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &RoomStateService{
		rooms:     rooms,
		state:     state,
		typing:    typing,
		broker:    broker,
		clock:     clock,
		typingTTL: typingTTL,
	}
}

func (s *RoomStateService) State(ctx context.Context, roomID string) (*models.RoomSharedState, error) {
	state, err := s.state.State(ctx, roomID)
	if err != nil {
		return nil, storeErr("state.get", err, "Room not found")
	}
	return state, nil
}

// UpdateTimer applies a timer action or a raw field patch. Any participant
// may drive the timer; concurrent writers converge on the last one applied.
func (s *RoomStateService) UpdateTimer(ctx context.Context, roomID, username string, in TimerInput) (*models.TimerState, error) {
	if err := s.requireParticipant(ctx, roomID, username); err != nil {
		return nil, err
	}
	if err := validateTimerInput(in); err != nil {
		return nil, err
	}

	state, err := s.state.State(ctx, roomID)
	if err != nil {
		return nil, storeErr("state.timer", err, "Room not found")
	}
	now := s.clock.now()
	patch, changed := timerPatchFor(state.Timer, in, now)
	if !changed {
		return &state.Timer, nil
	}

	timer, applied, err := s.state.PatchTimer(ctx, roomID, patch, now, username)
	if err != nil {
		return nil, storeErr("state.timer", err, "Room not found")
	}
	if applied {
		s.publish(ctx, roomID, models.EventTimerUpdated, timer)
	}
	return timer, nil
}

// UpdateNotepad replaces the full content. Concurrent editors overwrite each
// other; callers debounce before sending.
func (s *RoomStateService) UpdateNotepad(ctx context.Context, roomID, notepadID, username, content string) (*models.Notepad, error) {
	if err := s.requireParticipant(ctx, roomID, username); err != nil {
		return nil, err
	}
	if len(content) > maxNotepadBytes {
		return nil, &ValidationError{Fields: map[string]string{"content": "Notepad content must be at most 64KiB"}}
	}

	n, err := s.state.WriteNotepad(ctx, roomID, notepadID, content, username, s.clock.now())
	if err != nil {
		return nil, storeErr("state.notepad", err, "Notepad not found")
	}
	s.publish(ctx, roomID, models.EventNotepadUpdated, n)
	return n, nil
}

// ClaimNotepad makes username the owner. Re-claiming an owned notepad is a
// no-op; claiming someone else's fails with ALREADY_CLAIMED.
func (s *RoomStateService) ClaimNotepad(ctx context.Context, roomID, notepadID, username string) (*models.Notepad, error) {
	if err := s.requireParticipant(ctx, roomID, username); err != nil {
		return nil, err
	}

	n, err := s.state.ClaimNotepad(ctx, roomID, notepadID, username)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			return nil, &ConflictError{Code: ErrAlreadyClaimed, Message: "Notepad is already claimed"}
		}
		return nil, storeErr("state.claim", err, "Notepad not found")
	}
	s.publish(ctx, roomID, models.EventNotepadClaimed, n)
	return n, nil
}

// RenameNotepad is reserved to the notepad's owner.
func (s *RoomStateService) RenameNotepad(ctx context.Context, roomID, notepadID, username, name string) (*models.Notepad, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNotepadNameRunes {
		return nil, &ValidationError{Fields: map[string]string{"name": "Name must be 1-40 characters"}}
	}

	current, err := s.state.GetNotepad(ctx, roomID, notepadID)
	if err != nil {
		return nil, storeErr("state.rename", err, "Notepad not found")
	}
	if current.Owner == nil || *current.Owner != username {
		return nil, &ForbiddenError{Message: "Only the notepad owner can rename it"}
	}

	n, err := s.state.RenameNotepad(ctx, roomID, notepadID, name)
	if err != nil {
		return nil, storeErr("state.rename", err, "Notepad not found")
	}
	s.publish(ctx, roomID, models.EventNotepadUpdated, n)
	return n, nil
}

func (s *RoomStateService) CreateNotepad(ctx context.Context, roomID, username, name string) (*models.Notepad, error) {
	if err := s.requireParticipant(ctx, roomID, username); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = models.DefaultNotepadName
	}
	if utf8.RuneCountInString(name) > maxNotepadNameRunes {
		return nil, &ValidationError{Fields: map[string]string{"name": "Name must be 1-40 characters"}}
	}

	state, err := s.state.State(ctx, roomID)
	if err != nil {
		return nil, storeErr("state.create_notepad", err, "Room not found")
	}
	if len(state.Notepads) >= maxNotepadsPerRoom {
		return nil, &ValidationError{Fields: map[string]string{"notepads": "Room has too many notepads"}}
	}

	n := &models.Notepad{
		ID:             uuid.New().String(),
		RoomID:         roomID,
		Name:           name,
		Position:       len(state.Notepads),
		LastModifiedBy: username,
		LastModifiedAt: s.clock.now(),
	}
	if err := s.state.CreateNotepad(ctx, n); err != nil {
		return nil, storeErr("state.create_notepad", err, "Room not found")
	}
	s.publish(ctx, roomID, models.EventNotepadUpdated, n)
	return n, nil
}

// SetActiveNotepad switches the room's single active notepad.
func (s *RoomStateService) SetActiveNotepad(ctx context.Context, roomID, notepadID, username string) error {
	if err := s.requireParticipant(ctx, roomID, username); err != nil {
		return err
	}
	if err := s.state.SetActiveNotepad(ctx, roomID, notepadID); err != nil {
		return storeErr("state.active_notepad", err, "Notepad not found")
	}
	s.publish(ctx, roomID, models.EventActiveNotepad, map[string]string{"active_notepad_id": notepadID})
	return nil
}

// SetTyping records or clears an ephemeral typing indicator.
func (s *RoomStateService) SetTyping(ctx context.Context, roomID, username string, isTyping bool) error {
	if err := s.requireParticipant(ctx, roomID, username); err != nil {
		return err
	}

	var err error
	if isTyping {
		err = s.typing.SetTyping(ctx, roomID, username, s.clock.now())
	} else {
		err = s.typing.ClearTyping(ctx, roomID, username)
	}
	if err != nil {
		return &TransientError{Op: "state.typing", Err: err}
	}
	s.publish(ctx, roomID, models.EventTyping, models.TypingChange{Username: username, IsTyping: isTyping})
	return nil
}

// TypingUsers returns the indicators younger than the typing TTL.
func (s *RoomStateService) TypingUsers(ctx context.Context, roomID string) (map[string]time.Time, error) {
	raw, err := s.typing.Typing(ctx, roomID)
	if err != nil {
		return nil, &TransientError{Op: "state.typing", Err: err}
	}
	return filterTyping(raw, s.clock.now(), s.typingTTL), nil
}

// Subscribe streams every event of the room to handler, starting with a
// state_snapshot event carrying the current shared state.
func (s *RoomStateService) Subscribe(ctx context.Context, roomID string, handler pubsub.Handler) (*pubsub.Subscription, error) {
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return nil, storeErr("state.subscribe", err, "Room not found")
	}

	sub := s.broker.Subscribe(pubsub.RoomTopic(roomID), handler)
	state, err := s.state.State(ctx, roomID)
	if err != nil {
		sub.Cancel()
		return nil, storeErr("state.subscribe", err, "Room not found")
	}
	snapshot, err := models.NewEvent(EventStateSnapshot, roomID, s.clock.now(), state)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	sub.Push(snapshot)
	return sub, nil
}

func (s *RoomStateService) requireParticipant(ctx context.Context, roomID, username string) error {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return storeErr("state.participant", err, "Room not found")
	}
	if !room.HasParticipant(username) {
		return &ForbiddenError{Message: "Join the room first"}
	}
	return nil
}

func (s *RoomStateService) publish(ctx context.Context, roomID, eventType string, payload interface{}) {
	ev, err := models.NewEvent(eventType, roomID, s.clock.now(), payload)
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, pubsub.RoomTopic(roomID), ev); err != nil {
		log.Printf("state: publish %s in %s failed: %v", eventType, roomID, err)
	}
}

func validateTimerInput(in TimerInput) error {
	fieldErrors := make(map[string]string)
	switch in.Action {
	case "", TimerStart, TimerPause, TimerReset:
	case TimerSetMode:
		if in.Mode == nil {
			fieldErrors["mode"] = "Mode is required for set_mode"
		}
	default:
		fieldErrors["action"] = "Action must be start, pause, reset or set_mode"
	}
	if in.Mode != nil && *in.Mode != models.TimerModeWork && *in.Mode != models.TimerModeBreak {
		fieldErrors["mode"] = "Mode must be work or break"
	}
	if in.DurationSeconds != nil && (*in.DurationSeconds < minTimerSeconds || *in.DurationSeconds > maxTimerSeconds) {
		fieldErrors["duration_seconds"] = "Duration must be between 60 and 14400 seconds"
	}
	if len(fieldErrors) > 0 {
		return &ValidationError{Fields: fieldErrors}
	}
	return nil
}

// timerPatchFor turns an action into the field writes it implies against the
// current timer. changed is false when the action would not alter anything.
func timerPatchFor(current models.TimerState, in TimerInput, now time.Time) (models.TimerPatch, bool) {
	running, stopped, zero := true, false, 0
	var patch models.TimerPatch

	switch in.Action {
	case TimerStart:
		if current.Running {
			return patch, false
		}
		patch.Running = &running
		patch.StartedAt = &now
	case TimerPause:
		if !current.Running {
			return patch, false
		}
		elapsed := current.Elapsed(now)
		patch.Running = &stopped
		patch.ElapsedSeconds = &elapsed
		patch.ClearStartedAt = true
	case TimerReset:
		patch.Running = &stopped
		patch.ElapsedSeconds = &zero
		patch.ClearStartedAt = true
	case TimerSetMode:
		duration := models.DefaultWorkSeconds
		if *in.Mode == models.TimerModeBreak {
			duration = models.DefaultBreakSeconds
		}
		if in.DurationSeconds != nil {
			duration = *in.DurationSeconds
		}
		patch.Mode = in.Mode
		patch.DurationSeconds = &duration
		patch.Running = &stopped
		patch.ElapsedSeconds = &zero
		patch.ClearStartedAt = true
	default:
		if in.Mode == nil && in.DurationSeconds == nil {
			return patch, false
		}
		patch.Mode = in.Mode
		patch.DurationSeconds = in.DurationSeconds
	}
	return patch, true
}
