package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 96 * 1024
	sendBuffer     = 256
)

// Client is one gateway connection. Subscriptions opened over it are
// cancelled when it disconnects.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity middleware.Identity
	send     chan []byte

	mu     sync.Mutex
	closed bool
	subs   map[string]*pubsub.Subscription
}

func newClient(h *Hub, conn *websocket.Conn, identity middleware.Identity) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendBuffer),
		subs:     make(map[string]*pubsub.Subscription),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.cancelAll()
		c.hub.unregisterClient(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error for %s: %v", c.identity.Username, err)
			}
			return
		}

		var msg models.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(models.WSReply{
				Type:  replyError,
				Error: &models.APIError{Code: "VALIDATION_ERROR", Message: "Invalid frame"},
			})
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a frame. A client that cannot keep up is disconnected.
func (c *Client) reply(frame models.WSReply) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("WebSocket: failed to encode %s frame: %v", frame.Type, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("WebSocket: send buffer full for %s, closing", c.identity.Username)
		c.closed = true
		close(c.send)
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// track stores sub under key, cancelling whatever it replaces.
func (c *Client) track(key string, sub *pubsub.Subscription) {
	c.mu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
}

func (c *Client) untrack(keys ...string) {
	var subs []*pubsub.Subscription
	c.mu.Lock()
	for _, key := range keys {
		if sub, ok := c.subs[key]; ok {
			subs = append(subs, sub)
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// tracked snapshots the subscriptions currently held under keys.
func (c *Client) tracked(keys ...string) map[string]*pubsub.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := make(map[string]*pubsub.Subscription, len(keys))
	for _, key := range keys {
		if sub, ok := c.subs[key]; ok {
			held[key] = sub
		}
	}
	return held
}

// untrackIf cancels the snapshotted subscriptions that were not replaced
// since.
func (c *Client) untrackIf(held map[string]*pubsub.Subscription) {
	var subs []*pubsub.Subscription
	c.mu.Lock()
	for key, sub := range held {
		if c.subs[key] == sub {
			subs = append(subs, sub)
			delete(c.subs, key)
		}
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (c *Client) cancelAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*pubsub.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}
