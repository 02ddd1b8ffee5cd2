package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"studysync-backend/internal/models"
)

func TestTimerStartPauseReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice", "bob")

	timer, err := f.state.UpdateTimer(ctx, roomID, "alice", TimerInput{Action: TimerStart})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !timer.Running || timer.StartedAt == nil || timer.UpdatedBy != "alice" {
		t.Fatalf("unexpected timer after start: %+v", timer)
	}

	f.clock.Advance(90 * time.Second)
	timer, err = f.state.UpdateTimer(ctx, roomID, "bob", TimerInput{Action: TimerPause})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if timer.Running || timer.ElapsedSeconds != 90 || timer.UpdatedBy != "bob" {
		t.Fatalf("unexpected timer after pause: %+v", timer)
	}
	if timer.Remaining(f.clock.Now()) != models.DefaultWorkSeconds-90 {
		t.Fatalf("unexpected remaining %d", timer.Remaining(f.clock.Now()))
	}

	timer, err = f.state.UpdateTimer(ctx, roomID, "alice", TimerInput{Action: TimerReset})
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if timer.ElapsedSeconds != 0 || timer.StartedAt != nil {
		t.Fatalf("unexpected timer after reset: %+v", timer)
	}
}

func TestTimerSetMode(t *testing.T) {
	f := newFixture(t)
	roomID := f.roomWith(t, "alice")

	mode := models.TimerModeBreak
	timer, err := f.state.UpdateTimer(context.Background(), roomID, "alice", TimerInput{Action: TimerSetMode, Mode: &mode})
	if err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if timer.Mode != models.TimerModeBreak || timer.DurationSeconds != models.DefaultBreakSeconds {
		t.Fatalf("unexpected break timer: %+v", timer)
	}
}

func TestTimerValidation(t *testing.T) {
	f := newFixture(t)
	roomID := f.roomWith(t, "alice")
	short := 10
	bogus := models.TimerMode("nap")

	tests := []struct {
		name  string
		in    TimerInput
		field string
	}{
		{"unknown action", TimerInput{Action: "rewind"}, "action"},
		{"set mode without mode", TimerInput{Action: TimerSetMode}, "mode"},
		{"bad mode", TimerInput{Mode: &bogus}, "mode"},
		{"short duration", TimerInput{DurationSeconds: &short}, "duration_seconds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.state.UpdateTimer(context.Background(), roomID, "alice", tc.in)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := ve.Fields[tc.field]; !ok {
				t.Fatalf("expected %s error, got %v", tc.field, ve.Fields)
			}
		})
	}
}

func TestTimerOlderWriteDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice", "bob")

	f.clock.Advance(10 * time.Second)
	if _, err := f.state.UpdateTimer(ctx, roomID, "alice", TimerInput{Action: TimerStart}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// A write stamped before the stored one loses.
	f.clock.Set(testEpoch.Add(5 * time.Second))
	timer, err := f.state.UpdateTimer(ctx, roomID, "bob", TimerInput{Action: TimerPause})
	if err != nil {
		t.Fatalf("stale pause: %v", err)
	}
	if !timer.Running || timer.UpdatedBy != "alice" {
		t.Fatalf("expected stale write discarded, got %+v", timer)
	}
}

func TestStateRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice")
	f.online(t, "mallory")

	var fe *ForbiddenError
	if _, err := f.state.UpdateTimer(ctx, roomID, "mallory", TimerInput{Action: TimerStart}); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden timer write, got %v", err)
	}
	if err := f.state.SetTyping(ctx, roomID, "mallory", true); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden typing, got %v", err)
	}
}

func TestNotepadLastWriteWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice", "bob")
	state, _ := f.state.State(ctx, roomID)
	notepadID := state.ActiveNotepadID

	if _, err := f.state.UpdateNotepad(ctx, roomID, notepadID, "alice", "alice's notes"); err != nil {
		t.Fatalf("alice write: %v", err)
	}
	f.clock.Advance(time.Second)
	n, err := f.state.UpdateNotepad(ctx, roomID, notepadID, "bob", "bob's notes")
	if err != nil {
		t.Fatalf("bob write: %v", err)
	}
	if n.Content != "bob's notes" || n.LastModifiedBy != "bob" {
		t.Fatalf("expected bob's write to win, got %+v", n)
	}

	_, err = f.state.UpdateNotepad(ctx, roomID, notepadID, "alice", strings.Repeat("a", 64*1024+1))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected oversized content rejected, got %v", err)
	}
}

func TestClaimNotepad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice", "bob")
	state, _ := f.state.State(ctx, roomID)
	notepadID := state.ActiveNotepadID

	n, err := f.state.ClaimNotepad(ctx, roomID, notepadID, "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n.Owner == nil || *n.Owner != "alice" {
		t.Fatalf("expected alice as owner, got %v", n.Owner)
	}

	if _, err := f.state.ClaimNotepad(ctx, roomID, notepadID, "alice"); err != nil {
		t.Fatalf("re-claim by owner: %v", err)
	}

	_, err = f.state.ClaimNotepad(ctx, roomID, notepadID, "bob")
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Code != ErrAlreadyClaimed {
		t.Fatalf("expected ALREADY_CLAIMED, got %v", err)
	}
}

func TestRenameNotepadOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice", "bob")
	state, _ := f.state.State(ctx, roomID)
	notepadID := state.ActiveNotepadID

	var fe *ForbiddenError
	if _, err := f.state.RenameNotepad(ctx, roomID, notepadID, "alice", "Physics"); !errors.As(err, &fe) {
		t.Fatalf("expected unclaimed rename forbidden, got %v", err)
	}

	if _, err := f.state.ClaimNotepad(ctx, roomID, notepadID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.state.RenameNotepad(ctx, roomID, notepadID, "bob", "Chemistry"); !errors.As(err, &fe) {
		t.Fatalf("expected non-owner rename forbidden, got %v", err)
	}

	n, err := f.state.RenameNotepad(ctx, roomID, notepadID, "alice", "  Physics  ")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if n.Name != "Physics" {
		t.Fatalf("expected trimmed name, got %q", n.Name)
	}
}

func TestCreateAndActivateNotepad(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice")

	n, err := f.state.CreateNotepad(ctx, roomID, "alice", "Formulas")
	if err != nil {
		t.Fatalf("create notepad: %v", err)
	}
	if n.Position != 1 {
		t.Fatalf("expected second position, got %d", n.Position)
	}

	if err := f.state.SetActiveNotepad(ctx, roomID, n.ID, "alice"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	state, _ := f.state.State(ctx, roomID)
	if state.ActiveNotepadID != n.ID {
		t.Fatalf("expected %s active, got %s", n.ID, state.ActiveNotepadID)
	}

	var nf *NotFoundError
	if err := f.state.SetActiveNotepad(ctx, roomID, "missing", "alice"); !errors.As(err, &nf) {
		t.Fatalf("expected not found for unknown notepad, got %v", err)
	}
}

func TestTypingIndicatorExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice", "bob")

	if err := f.state.SetTyping(ctx, roomID, "alice", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	typing, _ := f.state.TypingUsers(ctx, roomID)
	if _, ok := typing["alice"]; !ok {
		t.Fatalf("expected alice typing, got %v", typing)
	}

	// Never cleared explicitly, yet it stops showing after the TTL.
	f.clock.Advance(DefaultTypingTTL + time.Second)
	typing, _ = f.state.TypingUsers(ctx, roomID)
	if len(typing) != 0 {
		t.Fatalf("expected stale indicator dropped, got %v", typing)
	}

	if err := f.state.SetTyping(ctx, roomID, "bob", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	if err := f.state.SetTyping(ctx, roomID, "bob", false); err != nil {
		t.Fatalf("clear typing: %v", err)
	}
	room, _ := f.rooms.GetRoom(ctx, roomID)
	if len(room.TypingUsers) != 0 {
		t.Fatalf("expected cleared indicator, got %v", room.TypingUsers)
	}
}

func TestSubscribeStartsWithSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.roomWith(t, "alice")

	events := newCollector[models.Event]()
	sub, err := f.state.Subscribe(ctx, roomID, events.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	if ev := events.next(t); ev.Type != EventStateSnapshot {
		t.Fatalf("expected state snapshot first, got %s", ev.Type)
	}

	if _, err := f.state.UpdateTimer(ctx, roomID, "alice", TimerInput{Action: TimerStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ev := events.next(t); ev.Type != models.EventTimerUpdated {
		t.Fatalf("expected timer_updated, got %s", ev.Type)
	}

	var nf *NotFoundError
	if _, err := f.state.Subscribe(ctx, "missing", events.add); !errors.As(err, &nf) {
		t.Fatalf("expected not found subscribing to unknown room, got %v", err)
	}
}
