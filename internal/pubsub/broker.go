package pubsub

import (
	"context"
	"errors"
	"log"
	"sync"

	"studysync-backend/internal/models"
)

const (
	TopicPresence = "presence"

	defaultMaxPending = 1024
)

// ErrSlowConsumer is recorded on a subscription that fell too far behind and
// was stopped by the broker.
var ErrSlowConsumer = errors.New("pubsub: subscriber queue overflow")

// RoomTopic is the topic carrying every event of a single room.
func RoomTopic(roomID string) string {
	return "room:" + roomID
}

type Handler func(ev models.Event)

type Broker interface {
	Publish(ctx context.Context, topic string, ev models.Event) error
	Subscribe(topic string, h Handler) *Subscription
}

// MemoryBroker fans events out to in-process subscribers. Publishing never
// blocks on a subscriber: each subscription owns a queue drained by its own
// goroutine, and every subscriber of a topic sees events in the same order.
type MemoryBroker struct {
	mu         sync.Mutex
	topics     map[string]map[*Subscription]struct{}
	maxPending int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:     make(map[string]map[*Subscription]struct{}),
		maxPending: defaultMaxPending,
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, ev models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.topics[topic] {
		if !sub.enqueue(ev, b.maxPending) {
			log.Printf("pubsub: dropping slow subscriber on %s", topic)
			delete(b.topics[topic], sub)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(topic string, h Handler) *Subscription {
	sub := newSubscription(topic, h, b.remove)

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub
}

// SubscriberCount returns the number of active subscriptions on topic.
func (b *MemoryBroker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *MemoryBroker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.topics, sub.topic)
	}
}
