package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"studysync-backend/internal/models"
)

const redisChannelPrefix = "events:"

// RedisBroker relays events between nodes. Publish goes to Redis only; every
// node, the publishing one included, receives the event back through its
// relay and fans it out to local subscribers, so all nodes observe the order
// Redis assigns to the channel.
type RedisBroker struct {
	client *redis.Client
	local  *MemoryBroker
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroker{
		client: client,
		local:  NewMemoryBroker(),
		cancel: cancel,
	}

	ps := client.PSubscribe(ctx, redisChannelPrefix+"*")
	// Wait for the subscription to be confirmed so early publishes are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		log.Printf("pubsub: redis psubscribe failed: %v", err)
	}

	b.wg.Add(1)
	go b.relay(ctx, ps)
	return b
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannelPrefix+topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event on %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(topic string, h Handler) *Subscription {
	return b.local.Subscribe(topic, h)
}

func (b *RedisBroker) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *RedisBroker) relay(ctx context.Context, ps *redis.PubSub) {
	defer b.wg.Done()
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			topic := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("pubsub: dropping malformed event on %s: %v", topic, err)
				continue
			}
			if ev.Type == "" {
				log.Printf("pubsub: dropping untyped event on %s", topic)
				continue
			}
			b.local.Publish(ctx, topic, ev)
		}
	}
}
