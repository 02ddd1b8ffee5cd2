package services

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStudySessionStopCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.sessions.Start(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.clock.Advance(5 * time.Minute)
	if err := f.sessions.Heartbeat(ctx, session.ID, "alice"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	f.clock.Advance(5 * time.Minute)

	stopped, err := f.sessions.Stop(ctx, session.ID, "alice")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.DurationSeconds != 600 || stopped.EndedAt == nil {
		t.Fatalf("unexpected stopped session: %+v", stopped)
	}

	// A second stop credits nothing.
	if _, err := f.sessions.Stop(ctx, session.ID, "alice"); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	entries, err := f.board.Weekly(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("weekly: %v", err)
	}
	if len(entries) != 1 || entries[0].WeeklyStudySeconds != 600 {
		t.Fatalf("expected 600 credited seconds, got %+v", entries)
	}
}

func TestStudySessionStartClosesPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.sessions.Start(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.clock.Advance(2 * time.Minute)
	roomID := "room-1"
	if _, err := f.sessions.Start(ctx, "alice", &roomID); err != nil {
		t.Fatalf("restart: %v", err)
	}

	var nf *NotFoundError
	if err := f.sessions.Heartbeat(ctx, first.ID, "alice"); !errors.As(err, &nf) {
		t.Fatalf("expected closed session to reject heartbeats, got %v", err)
	}

	entries, _ := f.board.AllTime(ctx)
	if len(entries) != 1 || entries[0].TotalStudySeconds != 120 {
		t.Fatalf("expected previous session credited, got %+v", entries)
	}
}

func TestStudySessionOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.sessions.Start(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var nf *NotFoundError
	if _, err := f.sessions.Stop(ctx, session.ID, "bob"); !errors.As(err, &nf) {
		t.Fatalf("expected not found stopping someone else's session, got %v", err)
	}

	var ve *ValidationError
	if err := f.sessions.Heartbeat(ctx, "not-a-uuid", "alice"); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for bad id, got %v", err)
	}
}
