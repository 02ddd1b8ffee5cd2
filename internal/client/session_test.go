package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"studysync-backend/internal/middleware"
	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
	"studysync-backend/internal/repository/memstore"
	"studysync-backend/internal/services"
	gateway "studysync-backend/internal/websocket"
)

type testGateway struct {
	url  string
	auth *middleware.JWTAuth
	hub  *gateway.Hub
	svc  gateway.Services
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	broker := pubsub.NewMemoryBroker()
	roomStore := memstore.NewRoomStore()
	clock := services.Clock(services.SystemClock)

	rooms := services.NewRoomService(roomStore, roomStore, roomStore, broker, clock, 0)
	presence := services.NewPresenceService(memstore.NewPresenceStore(), rooms, broker, clock, 0, 0)
	rooms.SetPresence(presence)
	svc := gateway.Services{
		Presence: presence,
		Rooms:    rooms,
		State:    services.NewRoomStateService(roomStore, roomStore, roomStore, broker, clock, 0),
		Chat:     services.NewChatService(memstore.NewChatStore(), roomStore, broker, nil, clock, nil),
	}

	auth := middleware.NewJWTAuth("client-test-secret")
	hub := gateway.NewHub(auth, svc, nil)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Shutdown()
		server.Close()
	})

	return &testGateway{
		url:  "ws" + strings.TrimPrefix(server.URL, "http"),
		auth: auth,
		hub:  hub,
		svc:  svc,
	}
}

func (g *testGateway) session(t *testing.T, username string, handlers Handlers) *Session {
	t.Helper()
	return g.sessionWith(t, username, handlers, func(*Config) {})
}

func (g *testGateway) sessionWith(t *testing.T, username string, handlers Handlers, tweak func(*Config)) *Session {
	t.Helper()
	token, err := g.auth.GenerateAccessToken(username, "", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	cfg := Config{
		URL:          g.url,
		Token:        token,
		StatusText:   "Studying",
		StaleAfter:   100 * time.Millisecond,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	}
	tweak(&cfg)
	s := NewSession(cfg, handlers)
	t.Cleanup(s.Close)
	return s
}

type windowLog struct {
	mu      sync.Mutex
	windows map[string][]models.ChatMessage
}

func (w *windowLog) record(roomID string, msgs []models.ChatMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.windows == nil {
		w.windows = make(map[string][]models.ChatMessage)
	}
	w.windows[roomID] = msgs
}

func (w *windowLog) hasText(roomID, text string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.windows[roomID] {
		if m.Text == text {
			return true
		}
	}
	return false
}

func TestSession_StartRegistersPresence(t *testing.T) {
	g := newTestGateway(t)
	s := g.session(t, "alice", Handlers{})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Monitor().State() != StateConnected {
		t.Fatalf("expected connected, got %s", s.Monitor().State())
	}

	live, err := g.svc.Presence.IsLive(context.Background(), "alice")
	if err != nil || !live {
		t.Fatalf("expected alice to be live, got %v, %v", live, err)
	}
}

func TestSession_StartRejectedToken(t *testing.T) {
	g := newTestGateway(t)
	s := NewSession(Config{URL: g.url, Token: "not-a-token"}, Handlers{})
	defer s.Close()

	err := s.Start(context.Background())
	if !IsCode(err, "UNAUTHORIZED") {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if s.Monitor().State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", s.Monitor().State())
	}
}

func TestSession_CallBeforeStartFailsFast(t *testing.T) {
	s := NewSession(Config{URL: "ws://127.0.0.1:1"}, Handlers{})
	defer s.Close()

	if _, err := s.SendChat(context.Background(), models.PublicRoomID, "hi"); err != ErrDisconnected {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
}

func TestSession_JoinRoomStreamsChat(t *testing.T) {
	g := newTestGateway(t)
	windows := &windowLog{}
	s := g.session(t, "alice", Handlers{OnChatWindow: windows.record})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	room, err := s.JoinRoom(ctx, models.PublicRoomID, "", 10)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !room.HasParticipant("alice") {
		t.Fatalf("expected alice in participants, got %v", room.Participants)
	}

	msg, err := s.SendChat(ctx, models.PublicRoomID, "hello everyone")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Author != "alice" || msg.Seq != 1 {
		t.Fatalf("unexpected message %+v", msg)
	}
	waitFor(t, "chat window", func() bool { return windows.hasText(models.PublicRoomID, "hello everyone") })
}

func TestSession_RemoteErrorCarriesCode(t *testing.T) {
	g := newTestGateway(t)
	s := g.session(t, "alice", Handlers{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := s.SendChat(ctx, "missing-room", "hi")
	if err == nil {
		t.Fatal("expected error for a room never joined")
	}
	if _, ok := err.(*RemoteError); !ok {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
}

func TestSession_ReconnectResyncs(t *testing.T) {
	g := newTestGateway(t)
	windows := &windowLog{}
	s := g.session(t, "alice", Handlers{OnChatWindow: windows.record})
	ctx := context.Background()

	var mu sync.Mutex
	var states []State
	s.Monitor().Subscribe(func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.JoinRoom(ctx, models.PublicRoomID, "", 10); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Drop the link and forget the room membership server-side; resync has
	// to restore both.
	if err := g.svc.Rooms.LeaveRoom(ctx, models.PublicRoomID, "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	g.hub.Shutdown()

	waitFor(t, "disconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, st := range states {
			if st == StateDisconnected {
				return true
			}
		}
		return false
	})
	waitFor(t, "rejoin", func() bool {
		ok, err := g.svc.Rooms.IsParticipant(ctx, models.PublicRoomID, "alice")
		return err == nil && ok && s.Monitor().State() == StateConnected
	})

	if _, err := s.SendChat(ctx, models.PublicRoomID, "back again"); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	waitFor(t, "chat window after reconnect", func() bool { return windows.hasText(models.PublicRoomID, "back again") })
}

func TestSession_ExpiredHeartbeatRejoinsRooms(t *testing.T) {
	g := newTestGateway(t)
	windows := &windowLog{}
	s := g.sessionWith(t, "alice", Handlers{OnChatWindow: windows.record}, func(cfg *Config) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.JoinRoom(ctx, models.PublicRoomID, "", 10); err != nil {
		t.Fatalf("join: %v", err)
	}

	// The link stays up but the server forgets alice and her rooms.
	if err := g.svc.Presence.Deregister(ctx, "alice"); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	waitFor(t, "rejoin after expiry", func() bool {
		live, err := g.svc.Presence.IsLive(ctx, "alice")
		if err != nil || !live {
			return false
		}
		ok, err := g.svc.Rooms.IsParticipant(ctx, models.PublicRoomID, "alice")
		return err == nil && ok
	})

	if _, err := s.SendChat(ctx, models.PublicRoomID, "still here"); err != nil {
		t.Fatalf("send after expiry: %v", err)
	}
	waitFor(t, "chat window after expiry", func() bool { return windows.hasText(models.PublicRoomID, "still here") })
}

func TestSession_DraftFlushesThroughGateway(t *testing.T) {
	g := newTestGateway(t)
	s := g.session(t, "alice", Handlers{})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.JoinRoom(ctx, models.PublicRoomID, "", 10); err != nil {
		t.Fatalf("join: %v", err)
	}

	state, err := g.svc.State.State(ctx, models.PublicRoomID)
	if err != nil || len(state.Notepads) == 0 {
		t.Fatalf("expected a default notepad, got %v, %v", state, err)
	}
	notepadID := state.Notepads[0].ID

	d := s.NewDraft(models.PublicRoomID, notepadID, state.Notepads[0].Content, 0)
	defer d.Close()
	d.Edit("chapter 3 notes")
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	state, err = g.svc.State.State(ctx, models.PublicRoomID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got := state.Notepad(notepadID).Content; got != "chapter 3 notes" {
		t.Fatalf("expected notepad content written, got %q", got)
	}
}
