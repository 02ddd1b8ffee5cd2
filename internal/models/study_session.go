package models

import "time"

type StudySession struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	RoomID          *string    `json:"room_id,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}

// MaxSessionSeconds caps a single session's credited duration.
const MaxSessionSeconds = 43200

// StudyLog is one user's accumulated study time for a calendar day.
type StudyLog struct {
	Username       string    `json:"username"`
	Date           time.Time `json:"date"`
	SecondsStudied int64     `json:"seconds_studied"`
}

type LeaderboardEntry struct {
	Rank               int    `json:"rank"`
	Username           string `json:"username"`
	TotalStudySeconds  int64  `json:"total_study_seconds"`
	WeeklyStudySeconds int64  `json:"weekly_study_seconds"`
}
