package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studysync-backend/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	written []models.BackupRecord
	failN   int
	calls   int
}

func (s *recordingSink) Write(ctx context.Context, rec models.BackupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return errors.New("disk unavailable")
	}
	s.written = append(s.written, rec)
	return nil
}

func (s *recordingSink) snapshot() ([]models.BackupRecord, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.BackupRecord(nil), s.written...), s.calls
}

func TestPoolWritesEnqueuedRecords(t *testing.T) {
	sink := &recordingSink{}
	pool := NewPool(nil, sink, Options{Workers: 2})
	pool.Start()

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := pool.Enqueue(context.Background(), models.BackupRecord{MessageID: id, RoomID: "r1"}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	pool.Stop()

	written, _ := sink.snapshot()
	if len(written) != 3 {
		t.Fatalf("expected 3 records written, got %d", len(written))
	}
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	sink := &recordingSink{failN: 1}
	pool := NewPool(nil, sink, Options{Workers: 1, Backoff: time.Millisecond})
	pool.Start()
	defer pool.Stop()

	if err := pool.Enqueue(context.Background(), models.BackupRecord{MessageID: "m1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if written, _ := sink.snapshot(); len(written) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record was not written after retry")
}

func TestPoolReportsPermanentFailure(t *testing.T) {
	sink := &recordingSink{failN: 1 << 30}
	failed := make(chan models.BackupRecord, 1)
	pool := NewPool(nil, sink, Options{
		Workers:     1,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		OnFailure: func(rec models.BackupRecord, err error) {
			failed <- rec
		},
	})
	pool.Start()
	defer pool.Stop()

	if err := pool.Enqueue(context.Background(), models.BackupRecord{MessageID: "m1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case rec := <-failed:
		if rec.MessageID != "m1" {
			t.Fatalf("unexpected failed record %+v", rec)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected failure callback")
	}

	if _, calls := sink.snapshot(); calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestPoolQueueFull(t *testing.T) {
	pool := NewPool(nil, &recordingSink{}, Options{Buffer: 1})

	if err := pool.Enqueue(context.Background(), models.BackupRecord{MessageID: "m1"}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := pool.Enqueue(context.Background(), models.BackupRecord{MessageID: "m2"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPoolRejectsAfterStop(t *testing.T) {
	pool := NewPool(nil, &recordingSink{}, Options{Workers: 1})
	pool.Start()
	pool.Stop()
	pool.Stop()

	if err := pool.Enqueue(context.Background(), models.BackupRecord{MessageID: "m1"}); err == nil {
		t.Fatalf("expected error after Stop")
	}
}
