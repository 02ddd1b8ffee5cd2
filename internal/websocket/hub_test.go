package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
	"studysync-backend/internal/repository/memstore"
	"studysync-backend/internal/services"
)

type countingMetrics struct {
	mu        sync.Mutex
	connected int
	commands  map[string]int
}

func (m *countingMetrics) WSConnected() {
	m.mu.Lock()
	m.connected++
	m.mu.Unlock()
}

func (m *countingMetrics) WSDisconnected() {
	m.mu.Lock()
	m.connected--
	m.mu.Unlock()
}

func (m *countingMetrics) WSCommand(cmdType string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commands == nil {
		m.commands = make(map[string]int)
	}
	m.commands[cmdType]++
}

type frame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Payload   json.RawMessage  `json:"payload"`
	Error     *models.APIError `json:"error"`
}

type gateway struct {
	t       *testing.T
	server  *httptest.Server
	auth    *middleware.JWTAuth
	hub     *Hub
	svc     Services
	metrics *countingMetrics
}

func newGateway(t *testing.T) *gateway {
	t.Helper()

	broker := pubsub.NewMemoryBroker()
	roomStore := memstore.NewRoomStore()
	clock := services.Clock(services.SystemClock)

	rooms := services.NewRoomService(roomStore, roomStore, roomStore, broker, clock, 0)
	presence := services.NewPresenceService(memstore.NewPresenceStore(), rooms, broker, clock, 0, 0)
	rooms.SetPresence(presence)
	svc := Services{
		Presence: presence,
		Rooms:    rooms,
		State:    services.NewRoomStateService(roomStore, roomStore, roomStore, broker, clock, 0),
		Chat:     services.NewChatService(memstore.NewChatStore(), roomStore, broker, nil, clock, nil),
	}

	auth := middleware.NewJWTAuth("ws-test-secret")
	hub := NewHub(auth, svc, nil)
	metrics := &countingMetrics{}
	hub.SetMetrics(metrics)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})
	return &gateway{t: t, server: server, auth: auth, hub: hub, svc: svc, metrics: metrics}
}

func (g *gateway) dial(username string) *websocket.Conn {
	g.t.Helper()
	token, err := g.auth.GenerateAccessToken(username, "", time.Hour)
	if err != nil {
		g.t.Fatalf("token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		g.t.Fatalf("dial: %v", err)
	}
	g.t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd, requestID string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if err := conn.WriteJSON(models.WSMessage{Type: cmd, RequestID: requestID, Payload: raw}); err != nil {
		t.Fatalf("write %s: %v", cmd, err)
	}
}

// readUntil returns the first frame satisfying match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func reply(requestID string) func(frame) bool {
	return func(f frame) bool {
		return (f.Type == replyAck || f.Type == replyError) && f.RequestID == requestID
	}
}

func TestHandshakeRequiresToken(t *testing.T) {
	g := newGateway(t)
	url := "ws" + strings.TrimPrefix(g.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %v", err)
	}
}

func TestRegisterAck(t *testing.T) {
	g := newGateway(t)
	conn := g.dial("alice")

	send(t, conn, CmdRegister, "r1", map[string]string{"status_text": "maths"})
	f := readUntil(t, conn, reply("r1"))
	if f.Type != replyAck {
		t.Fatalf("expected ack, got %+v", f)
	}
	var p models.UserPresence
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if p.Username != "alice" || p.StatusText != "maths" {
		t.Fatalf("unexpected presence: %+v", p)
	}

	live, _ := g.svc.Presence.IsLive(context.Background(), "alice")
	if !live {
		t.Fatalf("expected alice live after register")
	}
}

func TestErrorFrames(t *testing.T) {
	g := newGateway(t)
	conn := g.dial("alice")

	send(t, conn, "teleport", "r1", nil)
	f := readUntil(t, conn, reply("r1"))
	if f.Type != replyError || f.Error == nil || f.Error.Code != "UNKNOWN_COMMAND" {
		t.Fatalf("expected unknown command error, got %+v", f)
	}

	send(t, conn, CmdHeartbeat, "r2", nil)
	f = readUntil(t, conn, reply("r2"))
	if f.Type != replyError || f.Error.Code != "NOT_FOUND" {
		t.Fatalf("expected not found for unregistered heartbeat, got %+v", f)
	}

	send(t, conn, CmdSendChat, "r3", map[string]string{"room_id": "nowhere", "text": ""})
	f = readUntil(t, conn, reply("r3"))
	if f.Type != replyError || f.Error.Code != "VALIDATION_ERROR" || f.Error.Fields["text"] == "" {
		t.Fatalf("expected validation error, got %+v", f)
	}
}

func TestRoomSubscriptionStreamsChat(t *testing.T) {
	g := newGateway(t)
	conn := g.dial("alice")

	send(t, conn, CmdRegister, "r1", nil)
	readUntil(t, conn, reply("r1"))

	room, err := g.svc.Rooms.CreateRoom(context.Background(), "alice", services.CreateRoomInput{})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	// Subscribing before joining is refused.
	send(t, conn, CmdSubscribeRoom, "r2", map[string]string{"room_id": room.ID})
	if f := readUntil(t, conn, reply("r2")); f.Type != replyError || f.Error.Code != "FORBIDDEN" {
		t.Fatalf("expected forbidden, got %+v", f)
	}

	send(t, conn, CmdJoinRoom, "r3", map[string]string{"room_id": room.ID})
	if f := readUntil(t, conn, reply("r3")); f.Type != replyAck {
		t.Fatalf("expected join ack, got %+v", f)
	}

	send(t, conn, CmdSubscribeRoom, "r4", map[string]interface{}{"room_id": room.ID, "chat_limit": 10})
	readUntil(t, conn, func(f frame) bool {
		if f.Type != pushEvent {
			return false
		}
		var ev models.Event
		return json.Unmarshal(f.Payload, &ev) == nil && ev.Type == services.EventStateSnapshot
	})

	send(t, conn, CmdSendChat, "r5", map[string]string{"room_id": room.ID, "text": "hello room"})
	f := readUntil(t, conn, func(f frame) bool {
		if f.Type != pushChatWindow {
			return false
		}
		var w ChatWindow
		return json.Unmarshal(f.Payload, &w) == nil && len(w.Messages) == 1
	})
	var window ChatWindow
	json.Unmarshal(f.Payload, &window)
	if window.RoomID != room.ID || window.Messages[0].Text != "hello room" || window.Messages[0].Author != "alice" {
		t.Fatalf("unexpected chat window: %+v", window)
	}

	send(t, conn, CmdUnsubscribeRoom, "r6", map[string]string{"room_id": room.ID})
	readUntil(t, conn, reply("r6"))
}

// subscribed reports whether any connection of username holds key.
func (g *gateway) subscribed(username, key string) bool {
	g.hub.mu.RLock()
	conns := append([]*Client(nil), g.hub.connections[username]...)
	g.hub.mu.RUnlock()
	for _, c := range conns {
		c.mu.Lock()
		_, ok := c.subs[key]
		c.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

func chatWindowWith(text string) func(frame) bool {
	return func(f frame) bool {
		if f.Type != pushChatWindow {
			return false
		}
		var w ChatWindow
		if json.Unmarshal(f.Payload, &w) != nil {
			return false
		}
		for _, m := range w.Messages {
			if m.Text == text {
				return true
			}
		}
		return false
	}
}

func TestRemovedParticipantStopsReceivingRoom(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	alice := g.dial("alice")
	bob := g.dial("bob")

	room, err := g.svc.Rooms.CreateRoom(ctx, "bob", services.CreateRoomInput{
		Visibility: models.VisibilityPrivate,
		Passcode:   "s3cret",
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	for _, conn := range []*websocket.Conn{alice, bob} {
		send(t, conn, CmdRegister, "reg", nil)
		readUntil(t, conn, reply("reg"))
		send(t, conn, CmdJoinRoom, "join", map[string]string{"room_id": room.ID, "passcode": "s3cret"})
		if f := readUntil(t, conn, reply("join")); f.Type != replyAck {
			t.Fatalf("expected join ack, got %+v", f)
		}
		send(t, conn, CmdSubscribeRoom, "sub", map[string]interface{}{"room_id": room.ID, "chat_limit": 10})
		if f := readUntil(t, conn, reply("sub")); f.Type != replyAck {
			t.Fatalf("expected subscribe ack, got %+v", f)
		}
	}

	if err := g.svc.Rooms.RemoveFromAllRooms(ctx, "alice"); err != nil {
		t.Fatalf("remove from rooms: %v", err)
	}
	readUntil(t, alice, func(f frame) bool {
		var ev models.Event
		return f.Type == pushEvent && json.Unmarshal(f.Payload, &ev) == nil && ev.Type == models.EventParticipantLeft
	})

	deadline := time.Now().Add(2 * time.Second)
	for g.subscribed("alice", roomKey(room.ID)) || g.subscribed("alice", chatKey(room.ID)) {
		if time.Now().After(deadline) {
			t.Fatalf("expected alice's room streams to be closed after removal")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !g.subscribed("bob", roomKey(room.ID)) {
		t.Fatalf("another user's leave must not close bob's streams")
	}

	send(t, bob, CmdSendChat, "chat", map[string]string{"room_id": room.ID, "text": "members only"})
	readUntil(t, bob, chatWindowWith("members only"))

	alice.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		var f frame
		if err := alice.ReadJSON(&f); err != nil {
			break
		}
		if chatWindowWith("members only")(f) {
			t.Fatalf("removed participant received private chat")
		}
	}
}

func TestWatchPresence(t *testing.T) {
	g := newGateway(t)
	watcher := g.dial("alice")
	other := g.dial("bob")

	send(t, watcher, CmdWatchPresence, "w1", nil)
	readUntil(t, watcher, reply("w1"))

	send(t, other, CmdRegister, "b1", nil)
	readUntil(t, other, reply("b1"))

	readUntil(t, watcher, func(f frame) bool {
		if f.Type != pushPresenceList {
			return false
		}
		var list models.PresenceList
		return json.Unmarshal(f.Payload, &list) == nil && list.Contains("bob")
	})
}

func TestConnectionMetrics(t *testing.T) {
	g := newGateway(t)
	conn := g.dial("alice")

	send(t, conn, CmdRegister, "r1", nil)
	readUntil(t, conn, reply("r1"))

	if n := g.hub.ConnectionCount(); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}
	g.metrics.mu.Lock()
	connected, registers := g.metrics.connected, g.metrics.commands[CmdRegister]
	g.metrics.mu.Unlock()
	if connected != 1 || registers != 1 {
		t.Fatalf("unexpected metrics: connected=%d registers=%d", connected, registers)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for g.hub.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected connection to be unregistered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Fatalf("expected request without origin to pass")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Fatalf("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatalf("expected foreign origin to be rejected")
	}
}
