package models

import "time"

// PublicRoomID identifies the well-known public study room. It is created on
// first join instead of being provisioned up front.
const PublicRoomID = "public-study-room-v1"

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

type Room struct {
	ID           string               `json:"room_id"`
	Name         string               `json:"name"`
	Visibility   Visibility           `json:"visibility"`
	OwnerID      *string              `json:"owner_id"`
	PasscodeHash string               `json:"-"`
	CreatedAt    time.Time            `json:"created_at"`
	Participants []string             `json:"participants"`
	SharedState  *RoomSharedState     `json:"shared_state,omitempty"`
	TypingUsers  map[string]time.Time `json:"typing_users"`
}

func (r *Room) HasParticipant(username string) bool {
	for _, p := range r.Participants {
		if p == username {
			return true
		}
	}
	return false
}

// RoomSummary is the lobby view of a room.
type RoomSummary struct {
	ID               string     `json:"room_id"`
	Name             string     `json:"name"`
	Visibility       Visibility `json:"visibility"`
	OwnerID          *string    `json:"owner_id"`
	ParticipantCount int        `json:"participant_count"`
	CreatedAt        time.Time  `json:"created_at"`
}

type TimerMode string

const (
	TimerModeWork  TimerMode = "work"
	TimerModeBreak TimerMode = "break"
)

const (
	DefaultWorkSeconds  = 25 * 60
	DefaultBreakSeconds = 5 * 60
)

type TimerState struct {
	Mode            TimerMode  `json:"mode"`
	Running         bool       `json:"running"`
	StartedAt       *time.Time `json:"started_at"`
	DurationSeconds int        `json:"duration_seconds"`
	ElapsedSeconds  int        `json:"elapsed_seconds"`
	UpdatedAt       time.Time  `json:"updated_at"`
	UpdatedBy       string     `json:"updated_by"`
}

func DefaultTimer(at time.Time) TimerState {
	return TimerState{
		Mode:            TimerModeWork,
		DurationSeconds: DefaultWorkSeconds,
		UpdatedAt:       at,
	}
}

// Elapsed returns the seconds the timer has run at now, including the
// current running stretch.
func (t TimerState) Elapsed(now time.Time) int {
	elapsed := t.ElapsedSeconds
	if t.Running && t.StartedAt != nil && now.After(*t.StartedAt) {
		elapsed += int(now.Sub(*t.StartedAt) / time.Second)
	}
	return elapsed
}

func (t TimerState) Remaining(now time.Time) int {
	remaining := t.DurationSeconds - t.Elapsed(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimerPatch is a partial timer write. Nil fields keep their stored value.
type TimerPatch struct {
	Mode            *TimerMode `json:"mode,omitempty"`
	Running         *bool      `json:"running,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	ClearStartedAt  bool       `json:"clear_started_at,omitempty"`
	DurationSeconds *int       `json:"duration_seconds,omitempty"`
	ElapsedSeconds  *int       `json:"elapsed_seconds,omitempty"`
}

// Apply merges the patch into t and stamps it. It returns false and leaves t
// unchanged when at is older than the stored write.
func (p TimerPatch) Apply(t *TimerState, at time.Time, by string) bool {
	if at.Before(t.UpdatedAt) {
		return false
	}
	if p.Mode != nil {
		t.Mode = *p.Mode
	}
	if p.Running != nil {
		t.Running = *p.Running
	}
	if p.ClearStartedAt {
		t.StartedAt = nil
	} else if p.StartedAt != nil {
		started := *p.StartedAt
		t.StartedAt = &started
	}
	if p.DurationSeconds != nil {
		t.DurationSeconds = *p.DurationSeconds
	}
	if p.ElapsedSeconds != nil {
		t.ElapsedSeconds = *p.ElapsedSeconds
	}
	t.UpdatedAt = at
	t.UpdatedBy = by
	return true
}

type Notepad struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"room_id"`
	Name           string    `json:"name"`
	Content        string    `json:"content"`
	Owner          *string   `json:"owner"`
	Position       int       `json:"position"`
	LastModifiedBy string    `json:"last_modified_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

const DefaultNotepadName = "Notes"

type RoomSharedState struct {
	Timer           TimerState `json:"timer"`
	Notepads        []Notepad  `json:"notepads"`
	ActiveNotepadID string     `json:"active_notepad_id"`
}

func (s *RoomSharedState) Notepad(id string) *Notepad {
	for i := range s.Notepads {
		if s.Notepads[i].ID == id {
			return &s.Notepads[i]
		}
	}
	return nil
}
