package services

import (
	"context"
	"time"

	"studysync-backend/internal/models"
)

type PresenceStore interface {
	Upsert(ctx context.Context, p models.UserPresence) error
	Touch(ctx context.Context, username string, at time.Time) error
	Patch(ctx context.Context, username string, patch models.PresencePatch) error
	Get(ctx context.Context, username string) (*models.UserPresence, error)
	List(ctx context.Context) ([]models.UserPresence, error)
	Delete(ctx context.Context, username string) error
}

type RoomStore interface {
	Create(ctx context.Context, room *models.Room, state *models.RoomSharedState) (bool, error)
	Get(ctx context.Context, roomID string) (*models.Room, error)
	ListPublic(ctx context.Context) ([]models.RoomSummary, error)
	AddParticipant(ctx context.Context, roomID, username string, at time.Time) (bool, error)
	RemoveParticipant(ctx context.Context, roomID, username string) (bool, error)
	RoomsOf(ctx context.Context, username string) ([]string, error)
	Delete(ctx context.Context, roomID string) error
}

type RoomStateStore interface {
	State(ctx context.Context, roomID string) (*models.RoomSharedState, error)
	PatchTimer(ctx context.Context, roomID string, patch models.TimerPatch, at time.Time, by string) (*models.TimerState, bool, error)
	CreateNotepad(ctx context.Context, n *models.Notepad) error
	GetNotepad(ctx context.Context, roomID, notepadID string) (*models.Notepad, error)
	WriteNotepad(ctx context.Context, roomID, notepadID, content, by string, at time.Time) (*models.Notepad, error)
	ClaimNotepad(ctx context.Context, roomID, notepadID, username string) (*models.Notepad, error)
	RenameNotepad(ctx context.Context, roomID, notepadID, name string) (*models.Notepad, error)
	SetActiveNotepad(ctx context.Context, roomID, notepadID string) error
}

type TypingStore interface {
	SetTyping(ctx context.Context, roomID, username string, at time.Time) error
	ClearTyping(ctx context.Context, roomID, username string) error
	Typing(ctx context.Context, roomID string) (map[string]time.Time, error)
}

type ChatStore interface {
	Append(ctx context.Context, msg *models.ChatMessage) error
	Recent(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error)
	Before(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]models.ChatMessage, error)
	Get(ctx context.Context, roomID, messageID string) (*models.ChatMessage, error)
	ToggleReaction(ctx context.Context, roomID, messageID, emoji, username string) (map[string][]string, error)
}

type StudyLogStore interface {
	AddSeconds(ctx context.Context, username string, day time.Time, seconds int64) error
	Totals(ctx context.Context, from, to time.Time) (map[string]int64, error)
}

type StudySessionStore interface {
	// Start returns the user's previously open session if it closed one.
	Start(ctx context.Context, s *models.StudySession) (closed *models.StudySession, err error)
	Heartbeat(ctx context.Context, sessionID, username string, at time.Time) error
	// Stop reports ended=true only when this call closed the session.
	Stop(ctx context.Context, sessionID, username string, at time.Time) (session *models.StudySession, ended bool, err error)
}

// LeaderboardCache holds ranked views. Every Invalidate bumps the
// generation; Set stores nothing and reports false once gen is outdated.
type LeaderboardCache interface {
	Get(ctx context.Context, key string) ([]models.LeaderboardEntry, bool, error)
	Generation(ctx context.Context) (int64, error)
	Set(ctx context.Context, key string, entries []models.LeaderboardEntry, gen int64) (bool, error)
	Invalidate(ctx context.Context) error
}

// BackupQueue accepts chat backup records for asynchronous durable writes.
type BackupQueue interface {
	Enqueue(ctx context.Context, rec models.BackupRecord) error
}
