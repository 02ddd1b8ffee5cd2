package client

import (
	"context"
	"log"
	"sync"
	"time"
)

// MinQuietPeriod bounds how often a draft is written to the server.
const MinQuietPeriod = 300 * time.Millisecond

type FlushFunc func(ctx context.Context, content string) error

// NotepadDraft layers a local draft over the last committed remote content.
// The draft wins until it has been flushed; remote updates only replace the
// visible content while nothing is pending.
type NotepadDraft struct {
	quiet time.Duration
	flush FlushFunc

	mu       sync.Mutex
	remote   string
	draft    string
	pending  bool
	version  int
	timer    *time.Timer
	closed   bool
	flushing sync.Mutex
}

func NewNotepadDraft(remote string, quiet time.Duration, flush FlushFunc) *NotepadDraft {
	if quiet < MinQuietPeriod {
		quiet = MinQuietPeriod
	}
	return &NotepadDraft{quiet: quiet, flush: flush, remote: remote}
}

// Value is the content to display.
func (d *NotepadDraft) Value() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return d.draft
	}
	return d.remote
}

func (d *NotepadDraft) Remote() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remote
}

func (d *NotepadDraft) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Edit replaces the local draft and restarts the quiet period.
func (d *NotepadDraft) Edit(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.draft = content
	d.pending = true
	d.version++
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.flushInBackground)
}

// ApplyRemote records content committed by someone else. It reports whether
// the visible value changed, which it does not while a draft is pending.
func (d *NotepadDraft) ApplyRemote(content string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return false
	}
	changed := d.remote != content
	d.remote = content
	return changed
}

// Flush writes the pending draft now. Edits made while the write is in
// flight stay pending.
func (d *NotepadDraft) Flush(ctx context.Context) error {
	d.flushing.Lock()
	defer d.flushing.Unlock()

	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return nil
	}
	content, version := d.draft, d.version
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	if err := d.flush(ctx, content); err != nil {
		return err
	}

	d.mu.Lock()
	d.remote = content
	if d.version == version {
		d.pending = false
	}
	d.mu.Unlock()
	return nil
}

// Close stops the debounce timer. A pending draft is not written.
func (d *NotepadDraft) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *NotepadDraft) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		log.Printf("notepad draft: flush failed, keeping draft: %v", err)
		d.mu.Lock()
		if !d.closed && d.pending && d.timer == nil {
			d.timer = time.AfterFunc(d.quiet, d.flushInBackground)
		}
		d.mu.Unlock()
	}
}
