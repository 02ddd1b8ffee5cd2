package services

import (
	"context"
	"log"

	"github.com/google/uuid"

	"studysync-backend/internal/models"
)

type StudySessionService struct {
	store StudySessionStore
	board *LeaderboardService
	clock Clock
}

func NewStudySessionService(store StudySessionStore, board *LeaderboardService, clock Clock) *StudySessionService {
	return &StudySessionService{store: store, board: board, clock: clock}
}

// Start closes the user's open session, if any, and opens a new one.
func (s *StudySessionService) Start(ctx context.Context, username string, roomID *string) (*models.StudySession, error) {
	now := s.clock.now()
	session := &models.StudySession{
		ID:              uuid.New().String(),
		Username:        username,
		RoomID:          roomID,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}
	closed, err := s.store.Start(ctx, session)
	if err != nil {
		return nil, &TransientError{Op: "study_session.start", Err: err}
	}
	if closed != nil {
		s.credit(ctx, closed)
	}
	return session, nil
}

func (s *StudySessionService) Heartbeat(ctx context.Context, sessionID, username string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return &ValidationError{Fields: map[string]string{"id": "Invalid session ID"}}
	}
	if err := s.store.Heartbeat(ctx, sessionID, username, s.clock.now()); err != nil {
		return storeErr("study_session.heartbeat", err, "Study session not found")
	}
	return nil
}

// Stop ends the session and credits its duration to the leaderboard. Stopping
// an ended session returns it unchanged and credits nothing.
func (s *StudySessionService) Stop(ctx context.Context, sessionID, username string) (*models.StudySession, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, &ValidationError{Fields: map[string]string{"id": "Invalid session ID"}}
	}

	session, ended, err := s.store.Stop(ctx, sessionID, username, s.clock.now())
	if err != nil {
		return nil, storeErr("study_session.stop", err, "Study session not found")
	}

	if ended {
		s.credit(ctx, session)
	}
	return session, nil
}

func (s *StudySessionService) credit(ctx context.Context, session *models.StudySession) {
	if session.DurationSeconds <= 0 || s.board == nil {
		return
	}
	if err := s.board.RecordStudy(ctx, session.Username, session.StartedAt, int64(session.DurationSeconds)); err != nil {
		log.Printf("study session %s: failed to record study time: %v", session.ID, err)
	}
}
