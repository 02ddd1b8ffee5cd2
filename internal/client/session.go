package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"studysync-backend/internal/models"
)

const (
	DefaultHeartbeatInterval = 12 * time.Second
	defaultCallTimeout       = 10 * time.Second
	readWait                 = 75 * time.Second
	writeWait                = 10 * time.Second
)

var (
	ErrDisconnected = errors.New("client: not connected")
	ErrClosed       = errors.New("client: session closed")
)

// RemoteError is an error frame returned by the gateway.
type RemoteError struct {
	Code    string
	Message string
	Fields  map[string]string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is a RemoteError with the given code.
func IsCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

type Config struct {
	// URL of the gateway, e.g. wss://host/ws. The token is appended as a
	// query parameter.
	URL               string
	Token             string
	StatusText        string
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	Dialer            *websocket.Dialer
}

// Handlers receive pushed frames on the session's read goroutine. Any of
// them may be nil.
type Handlers struct {
	OnEvent      func(ev models.Event)
	OnChatWindow func(roomID string, msgs []models.ChatMessage)
	OnPresence   func(list models.PresenceList)
}

type roomSubscription struct {
	passcode  string
	chatLimit int
}

type frame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Payload   json.RawMessage  `json:"payload"`
	Error     *models.APIError `json:"error"`
}

type chatWindow struct {
	RoomID   string               `json:"room_id"`
	Messages []models.ChatMessage `json:"messages"`
}

// Session is the per-user context of one signed-in client. It owns the
// gateway connection, heartbeats while connected, and after every reconnect
// resyncs from scratch: register, rejoin and resubscribe every room.
type Session struct {
	cfg      Config
	handlers Handlers
	monitor  *ConnectionMonitor

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan frame
	nextID   uint64
	rooms    map[string]roomSubscription
	presence bool
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewSession(cfg Config, handlers Handlers) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Session{
		cfg:      cfg,
		handlers: handlers,
		monitor:  NewConnectionMonitor(cfg.StaleAfter),
		pending:  make(map[string]chan frame),
		rooms:    make(map[string]roomSubscription),
		stop:     make(chan struct{}),
	}
}

func (s *Session) Monitor() *ConnectionMonitor {
	return s.monitor
}

// Start connects and registers presence. After it returns the session keeps
// itself connected until Close.
func (s *Session) Start(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		s.monitor.Set(StateDisconnected)
		return err
	}
	s.attach(conn)
	if err := s.resync(ctx); err != nil {
		s.detach(conn)
		return err
	}

	s.wg.Add(2)
	go s.superviseLoop(conn)
	go s.heartbeatLoop()
	return nil
}

// Close stops reconnecting and closes the connection. Presence is left to
// expire unless Deregister was called first.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	close(s.stop)
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}
	s.wg.Wait()
}

// Call sends one command and waits for its reply. It fails fast with
// ErrDisconnected instead of queueing writes while the link is down.
func (s *Session) Call(ctx context.Context, cmd string, payload interface{}, out interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.nextID++
	requestID := strconv.FormatUint(s.nextID, 10)
	replyCh := make(chan frame, 1)
	s.pending[requestID] = replyCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	if err := s.write(conn, models.WSMessage{Type: cmd, RequestID: requestID, Payload: raw}); err != nil {
		return ErrDisconnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	select {
	case f, ok := <-replyCh:
		if !ok {
			return ErrDisconnected
		}
		if f.Type == "error" {
			if f.Error == nil {
				return &RemoteError{Code: "UNKNOWN", Message: "error frame without details"}
			}
			return &RemoteError{Code: f.Error.Code, Message: f.Error.Message, Fields: f.Error.Fields}
		}
		if out != nil && len(f.Payload) > 0 {
			return json.Unmarshal(f.Payload, out)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinRoom joins roomID and subscribes to its state and chat streams. The
// room is rejoined automatically after reconnects.
func (s *Session) JoinRoom(ctx context.Context, roomID, passcode string, chatLimit int) (*models.Room, error) {
	sub := roomSubscription{passcode: passcode, chatLimit: chatLimit}
	room, err := s.joinAndSubscribe(ctx, roomID, sub)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.rooms[roomID] = sub
	s.mu.Unlock()
	return room, nil
}

func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	return s.Call(ctx, "leave_room", map[string]string{"room_id": roomID}, nil)
}

// WatchPresence starts presence snapshots, delivered to Handlers.OnPresence.
func (s *Session) WatchPresence(ctx context.Context) error {
	if err := s.Call(ctx, "watch_presence", nil, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.presence = true
	s.mu.Unlock()
	return nil
}

func (s *Session) SetStatus(ctx context.Context, text string) (bool, error) {
	var resp struct {
		Applied bool `json:"applied"`
	}
	err := s.Call(ctx, "set_status", map[string]string{"status_text": text}, &resp)
	return resp.Applied, err
}

func (s *Session) SendChat(ctx context.Context, roomID, text string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	if err := s.Call(ctx, "send_chat", map[string]string{"room_id": roomID, "text": text}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Session) React(ctx context.Context, roomID, messageID, emoji string) (map[string][]string, error) {
	var reactions map[string][]string
	err := s.Call(ctx, "react", map[string]string{"room_id": roomID, "message_id": messageID, "emoji": emoji}, &reactions)
	return reactions, err
}

func (s *Session) UpdateTimer(ctx context.Context, roomID, action string) (*models.TimerState, error) {
	var timer models.TimerState
	if err := s.Call(ctx, "update_timer", map[string]string{"room_id": roomID, "action": action}, &timer); err != nil {
		return nil, err
	}
	return &timer, nil
}

func (s *Session) UpdateNotepad(ctx context.Context, roomID, notepadID, content string) error {
	return s.Call(ctx, "update_notepad", map[string]string{
		"room_id":    roomID,
		"notepad_id": notepadID,
		"content":    content,
	}, nil)
}

func (s *Session) ClaimNotepad(ctx context.Context, roomID, notepadID string) error {
	return s.Call(ctx, "claim_notepad", map[string]string{"room_id": roomID, "notepad_id": notepadID}, nil)
}

func (s *Session) SetTyping(ctx context.Context, roomID string, typing bool) error {
	return s.Call(ctx, "set_typing", map[string]interface{}{"room_id": roomID, "is_typing": typing}, nil)
}

// Deregister removes the presence and leaves every room.
func (s *Session) Deregister(ctx context.Context) error {
	s.mu.Lock()
	s.rooms = make(map[string]roomSubscription)
	s.presence = false
	s.mu.Unlock()
	return s.Call(ctx, "deregister", nil, nil)
}

// NewDraft returns a draft buffer for a notepad that flushes through this
// session.
func (s *Session) NewDraft(roomID, notepadID, remote string, quiet time.Duration) *NotepadDraft {
	return NewNotepadDraft(remote, quiet, func(ctx context.Context, content string) error {
		return s.UpdateNotepad(ctx, roomID, notepadID, content)
	})
}

func (s *Session) joinAndSubscribe(ctx context.Context, roomID string, sub roomSubscription) (*models.Room, error) {
	var room models.Room
	if err := s.Call(ctx, "join_room", map[string]string{"room_id": roomID, "passcode": sub.passcode}, &room); err != nil {
		return nil, err
	}
	payload := map[string]interface{}{"room_id": roomID, "chat_limit": sub.chatLimit}
	if err := s.Call(ctx, "subscribe_room", payload, nil); err != nil {
		return nil, err
	}
	return &room, nil
}

// resync rebuilds all server-side state for this session.
func (s *Session) resync(ctx context.Context) error {
	if err := s.Call(ctx, "register", map[string]string{"status_text": s.cfg.StatusText}, nil); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	s.mu.Lock()
	rooms := make(map[string]roomSubscription, len(s.rooms))
	for id, sub := range s.rooms {
		rooms[id] = sub
	}
	watch := s.presence
	s.mu.Unlock()

	if watch {
		if err := s.Call(ctx, "watch_presence", nil, nil); err != nil {
			return fmt.Errorf("watch presence: %w", err)
		}
	}
	for id, sub := range rooms {
		if _, err := s.joinAndSubscribe(ctx, id, sub); err != nil {
			if IsCode(err, "NOT_FOUND") {
				log.Printf("client: room %s is gone, dropping it", id)
				s.mu.Lock()
				delete(s.rooms, id)
				s.mu.Unlock()
				continue
			}
			return fmt.Errorf("rejoin %s: %w", id, err)
		}
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	s.monitor.Set(StateConnecting)
	url := s.cfg.URL + "?token=" + s.cfg.Token
	conn, resp, err := s.cfg.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &RemoteError{Code: "UNAUTHORIZED", Message: "gateway rejected the token"}
		}
		return nil, err
	}
	return conn, nil
}

// attach makes conn current and starts reading from it.
func (s *Session) attach(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.monitor.Set(StateConnected)

	s.wg.Add(1)
	go s.readLoop(conn)
}

// detach drops conn and fails every call waiting on it.
func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		s.detach(conn)
		s.monitor.Set(StateDisconnected)
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f frame) {
	switch f.Type {
	case "ack", "error":
		s.mu.Lock()
		ch, ok := s.pending[f.RequestID]
		delete(s.pending, f.RequestID)
		s.mu.Unlock()
		if ok {
			ch <- f
		}
	case "event":
		if s.handlers.OnEvent == nil {
			return
		}
		var ev models.Event
		if err := json.Unmarshal(f.Payload, &ev); err == nil {
			s.handlers.OnEvent(ev)
		}
	case "chat_window":
		if s.handlers.OnChatWindow == nil {
			return
		}
		var w chatWindow
		if err := json.Unmarshal(f.Payload, &w); err == nil {
			s.handlers.OnChatWindow(w.RoomID, w.Messages)
		}
	case "presence_snapshot":
		if s.handlers.OnPresence == nil {
			return
		}
		var list models.PresenceList
		if err := json.Unmarshal(f.Payload, &list); err == nil {
			s.handlers.OnPresence(list)
		}
	}
}

// superviseLoop waits for the current connection to drop and reconnects
// with exponential backoff.
func (s *Session) superviseLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		if !s.waitDetached(conn) {
			return
		}

		backoff := s.cfg.ReconnectMin
		for {
			select {
			case <-s.stop:
				return
			case <-time.After(backoff):
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
			next, err := s.dial(ctx)
			if err == nil {
				s.attach(next)
				if err = s.resync(ctx); err != nil {
					s.detach(next)
				}
			}
			cancel()

			if err == nil {
				log.Printf("client: reconnected and resynced")
				conn = next
				break
			}
			log.Printf("client: reconnect failed: %v", err)
			s.monitor.Set(StateDisconnected)
			backoff *= 2
			if backoff > s.cfg.ReconnectMax {
				backoff = s.cfg.ReconnectMax
			}
		}
	}
}

// waitDetached blocks until conn stops being current. It returns false when
// the session is closed.
func (s *Session) waitDetached(conn *websocket.Conn) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return false
		case <-ticker.C:
		}
		s.mu.Lock()
		current := s.conn
		s.mu.Unlock()
		if current != conn {
			return true
		}
	}
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		if s.monitor.State() != StateConnected {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
		err := s.Call(ctx, "heartbeat", nil, nil)
		if IsCode(err, "NOT_FOUND") {
			// Expired server-side, which also emptied our rooms.
			log.Printf("client: presence expired, resyncing")
			err = s.resync(ctx)
		}
		cancel()
		if err != nil && !errors.Is(err, ErrDisconnected) {
			log.Printf("client: heartbeat failed: %v", err)
		}
	}
}

func (s *Session) write(conn *websocket.Conn, msg models.WSMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
