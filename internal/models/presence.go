package models

import "time"

type UserPresence struct {
	Username      string    `json:"username"`
	StatusText    string    `json:"status_text"`
	IsStudying    bool      `json:"is_studying"`
	IsFocusMode   bool      `json:"is_focus_mode"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ImageURL      *string   `json:"image_url,omitempty"`
}

// IsLive reports whether the record heartbeated within timeout of now.
func (p UserPresence) IsLive(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastHeartbeat) < timeout
}

// PresencePatch carries owner-editable fields. Nil fields are left untouched.
type PresencePatch struct {
	StatusText  *string `json:"status_text,omitempty"`
	IsStudying  *bool   `json:"is_studying,omitempty"`
	IsFocusMode *bool   `json:"is_focus_mode,omitempty"`
	ImageURL    *string `json:"image_url,omitempty"`
}

func (p PresencePatch) Empty() bool {
	return p.StatusText == nil && p.IsStudying == nil && p.IsFocusMode == nil && p.ImageURL == nil
}

type PresenceList struct {
	Studying []UserPresence `json:"studying"`
	Idle     []UserPresence `json:"idle"`
	At       time.Time      `json:"at"`
}

func (l PresenceList) OnlineCount() int {
	return len(l.Studying) + len(l.Idle)
}

// Contains reports whether username is in either subset.
func (l PresenceList) Contains(username string) bool {
	for _, p := range l.Studying {
		if p.Username == username {
			return true
		}
	}
	for _, p := range l.Idle {
		if p.Username == username {
			return true
		}
	}
	return false
}
