package websocket

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/services"
)

// Services are the operations reachable over the gateway.
type Services struct {
	Presence *services.PresenceService
	Rooms    *services.RoomService
	State    *services.RoomStateService
	Chat     *services.ChatService
}

// Metrics receives gateway counters. *metrics.Metrics satisfies it.
type Metrics interface {
	WSConnected()
	WSDisconnected()
	WSCommand(cmdType string, ok bool)
}

// Limiter throttles commands per username.
type Limiter interface {
	Allow(key string) bool
}

type Hub struct {
	auth     *middleware.JWTAuth
	svc      Services
	upgrader websocket.Upgrader
	metrics  Metrics
	limiter  Limiter

	mu          sync.RWMutex
	connections map[string][]*Client
}

func NewHub(auth *middleware.JWTAuth, svc Services, allowedOrigins []string) *Hub {
	h := &Hub{
		auth:        auth,
		svc:         svc,
		connections: make(map[string][]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func (h *Hub) SetMetrics(m Metrics) {
	h.metrics = m
}

func (h *Hub) SetLimiter(l Limiter) {
	h.limiter = l
}

// HandleWebSocket authenticates the ?token= query parameter and upgrades the
// connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := h.auth.Verify(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := newClient(h, conn, identity)
	h.registerClient(c)

	go c.writePump()
	go c.readPump()
}

// ConnectionCount returns the number of open gateway connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.connections {
		n += len(conns)
	}
	return n
}

// Shutdown closes every open connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	var all []*Client
	for _, conns := range h.connections {
		all = append(all, conns...)
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	h.connections[c.identity.Username] = append(h.connections[c.identity.Username], c)
	total := len(h.connections[c.identity.Username])
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnected()
	}
	log.Printf("WebSocket connected: user %s (total: %d)", c.identity.Username, total)
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	conns := h.connections[c.identity.Username]
	for i, existing := range conns {
		if existing == c {
			h.connections[c.identity.Username] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[c.identity.Username]) == 0 {
		delete(h.connections, c.identity.Username)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSDisconnected()
	}
	log.Printf("WebSocket disconnected: user %s", c.identity.Username)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowAll || origin == "" {
			return true
		}
		return set[origin]
	}
}
