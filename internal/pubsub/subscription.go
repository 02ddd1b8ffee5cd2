package pubsub

import (
	"sync"

	"studysync-backend/internal/models"
)

// Subscription is the handle returned by every Subscribe call. Delivery stops
// only through Cancel or Stop.
type Subscription struct {
	topic   string
	handler Handler
	detach  func(*Subscription)

	mu        sync.Mutex
	queue     []models.Event
	cancelled bool
	err       error

	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	// held for the whole duration of a handler call
	deliverMu sync.Mutex
}

func newSubscription(topic string, h Handler, detach func(*Subscription)) *Subscription {
	return &Subscription{
		topic:   topic,
		handler: h,
		detach:  detach,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Err returns ErrSlowConsumer when the broker stopped the subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the subscription is stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops delivery and waits for an in-flight handler call to return.
// After Cancel returns the handler is never invoked again. It is idempotent.
// Handlers that want to end their own subscription must call Stop instead.
func (s *Subscription) Cancel() {
	s.Stop()
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// Stop marks the subscription cancelled without waiting for an in-flight
// handler. Safe to call from inside the handler.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.cancelled = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.detach != nil {
			s.detach(s)
		}
	})
}

// Push delivers ev to this subscription only, ordered after everything
// already queued. Used to seed live views with an initial snapshot.
func (s *Subscription) Push(ev models.Event) {
	s.enqueue(ev, 0)
}

// enqueue appends ev and wakes the delivery goroutine. It returns false when
// the queue is full; the subscription is then stopped. Called with the broker
// lock held, so it must not call back into the broker.
func (s *Subscription) enqueue(ev models.Event, maxPending int) bool {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return true
	}
	if maxPending > 0 && len(s.queue) >= maxPending {
		s.err = ErrSlowConsumer
		s.cancelled = true
		s.queue = nil
		s.mu.Unlock()
		s.once.Do(func() { close(s.done) })
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if s.cancelled || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, ev := range batch {
				if !s.deliver(ev) {
					return
				}
			}
		}
	}
}

func (s *Subscription) deliver(ev models.Event) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		return false
	}

	s.handler(ev)
	return true
}
