package services

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 200
	maxMessageRunes    = 2000
	maxEmojiBytes      = 32

	eventWindowInit = "chat_window_init"
)

// Limiter throttles sends per author. *middleware.RateLimiter satisfies it.
type Limiter interface {
	Allow(key string) bool
}

// ChatMetrics receives chat counters. A nil value disables them.
type ChatMetrics interface {
	ChatMessageSent()
	BackupFailed()
}

type ChatService struct {
	store   ChatStore
	rooms   RoomStore
	broker  pubsub.Broker
	backup  BackupQueue
	clock   Clock
	limiter Limiter
	metrics ChatMetrics
	wg      sync.WaitGroup
}

// NewChatService builds the chat stream. A nil limiter leaves sends
// unthrottled.
func NewChatService(store ChatStore, rooms RoomStore, broker pubsub.Broker, backup BackupQueue, clock Clock, limiter Limiter) *ChatService {
	return &ChatService{
		store:   store,
		rooms:   rooms,
		broker:  broker,
		backup:  backup,
		clock:   clock,
		limiter: limiter,
	}
}

func (s *ChatService) SetMetrics(m ChatMetrics) {
	s.metrics = m
}

// Send appends a message and returns once the primary store acknowledged it.
// The backup write runs in the background; its failure is only logged.
func (s *ChatService) Send(ctx context.Context, roomID, author, text string, imageURL *string) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)

	fieldErrors := make(map[string]string)
	if text == "" && imageURL == nil {
		fieldErrors["text"] = "Message text is required"
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		fieldErrors["text"] = "Message must be at most 2000 characters"
	}
	if imageURL != nil && !validImageURL(*imageURL) {
		fieldErrors["image_url"] = "Image URL must be http(s)"
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, storeErr("chat.send", err, "Room not found")
	}
	if !room.HasParticipant(author) {
		return nil, &ForbiddenError{Message: "Join the room first"}
	}
	if s.limiter != nil && !s.limiter.Allow(author) {
		return nil, &RateLimitError{Message: "You're sending messages too quickly. Please wait a moment and try again."}
	}

	msg := &models.ChatMessage{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Author:    author,
		Text:      text,
		ImageURL:  imageURL,
		CreatedAt: s.clock.now(),
		Reactions: map[string][]string{},
	}
	if err := s.store.Append(ctx, msg); err != nil {
		return nil, &TransientError{Op: "chat.send", Err: err}
	}
	if s.metrics != nil {
		s.metrics.ChatMessageSent()
	}

	s.publish(ctx, roomID, models.EventChatMessage, msg)
	s.dispatchBackup(*msg)
	return msg, nil
}

// React toggles username's emoji reaction on a message.
func (s *ChatService) React(ctx context.Context, roomID, messageID, emoji, username string) (map[string][]string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return nil, &ValidationError{Fields: map[string]string{"emoji": "Emoji is required"}}
	}

	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return nil, storeErr("chat.react", err, "Room not found")
	}
	if !room.HasParticipant(username) {
		return nil, &ForbiddenError{Message: "Join the room first"}
	}

	reactions, err := s.store.ToggleReaction(ctx, roomID, messageID, emoji, username)
	if err != nil {
		return nil, storeErr("chat.react", err, "Message not found")
	}
	s.publish(ctx, roomID, models.EventReactionUpdated, models.ReactionChange{MessageID: messageID, Reactions: reactions})
	return reactions, nil
}

// Recent returns the latest limit messages in order.
func (s *ChatService) Recent(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	limit = clampLimit(limit)
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return nil, storeErr("chat.recent", err, "Room not found")
	}
	msgs, err := s.store.Recent(ctx, roomID, limit)
	if err != nil {
		return nil, &TransientError{Op: "chat.recent", Err: err}
	}
	return msgs, nil
}

// History pages backwards from beforeSeq.
func (s *ChatService) History(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]models.ChatMessage, error) {
	limit = clampLimit(limit)
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return nil, storeErr("chat.history", err, "Room not found")
	}
	msgs, err := s.store.Before(ctx, roomID, beforeSeq, limit)
	if err != nil {
		return nil, &TransientError{Op: "chat.history", Err: err}
	}
	return msgs, nil
}

// SubscribeRecent delivers the latest limit messages, then an updated window
// after every new message or reaction, until the subscription is cancelled.
// Windows are always ordered by sequence.
func (s *ChatService) SubscribeRecent(ctx context.Context, roomID string, limit int, handler func([]models.ChatMessage)) (*pubsub.Subscription, error) {
	limit = clampLimit(limit)
	if _, err := s.rooms.Get(ctx, roomID); err != nil {
		return nil, storeErr("chat.subscribe", err, "Room not found")
	}

	view := &recentView{roomID: roomID, limit: limit, store: s.store, handler: handler}
	sub := s.broker.Subscribe(pubsub.RoomTopic(roomID), view.handle)
	sub.Push(models.Event{Type: eventWindowInit, RoomID: roomID, At: s.clock.now()})
	return sub, nil
}

// Wait blocks until dispatched backup writes have been handed to the queue.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

func (s *ChatService) dispatchBackup(msg models.ChatMessage) {
	if s.backup == nil {
		return
	}
	rec := models.BackupRecord{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		Username:  msg.Author,
		Text:      msg.Text,
		Timestamp: msg.CreatedAt,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.backup.Enqueue(context.Background(), rec); err != nil {
			s.BackupFailed(&BackupFailure{MessageID: rec.MessageID, Err: err})
		}
	}()
}

// BackupFailed logs a failed secondary write. Backup workers report their
// own failures through it too.
func (s *ChatService) BackupFailed(err error) {
	log.Printf("chat: %v", err)
	if s.metrics != nil {
		s.metrics.BackupFailed()
	}
}

func (s *ChatService) publish(ctx context.Context, roomID, eventType string, payload interface{}) {
	ev, err := models.NewEvent(eventType, roomID, s.clock.now(), payload)
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, pubsub.RoomTopic(roomID), ev); err != nil {
		log.Printf("chat: publish %s in %s failed: %v", eventType, roomID, err)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}

// recentView maintains the bounded window for one subscriber. It is only
// touched from the subscription's delivery goroutine.
type recentView struct {
	roomID  string
	limit   int
	store   ChatStore
	handler func([]models.ChatMessage)

	loaded bool
	window []models.ChatMessage
}

func (v *recentView) handle(ev models.Event) {
	switch ev.Type {
	case eventWindowInit:
		msgs, err := v.store.Recent(context.Background(), v.roomID, v.limit)
		if err != nil {
			log.Printf("chat: initial window for %s failed: %v", v.roomID, err)
			msgs = nil
		}
		v.loaded = true
		v.window = msgs
		v.emit()

	case models.EventChatMessage:
		// Messages published before the initial load are part of it.
		if !v.loaded {
			return
		}
		var msg models.ChatMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil || msg.RoomID != v.roomID {
			return
		}
		if v.insert(msg) {
			v.emit()
		}

	case models.EventReactionUpdated:
		if !v.loaded {
			return
		}
		var change models.ReactionChange
		if err := json.Unmarshal(ev.Payload, &change); err != nil {
			return
		}
		for i := range v.window {
			if v.window[i].ID == change.MessageID {
				v.window[i].Reactions = change.Reactions
				v.emit()
				return
			}
		}
	}
}

// insert places msg by sequence, ignoring duplicates and messages older than
// a full window.
func (v *recentView) insert(msg models.ChatMessage) bool {
	idx := sort.Search(len(v.window), func(i int) bool {
		return v.window[i].Seq >= msg.Seq
	})
	if idx < len(v.window) && v.window[idx].Seq == msg.Seq {
		return false
	}
	if idx == 0 && len(v.window) >= v.limit {
		return false
	}

	v.window = append(v.window, models.ChatMessage{})
	copy(v.window[idx+1:], v.window[idx:])
	v.window[idx] = msg

	if len(v.window) > v.limit {
		v.window = v.window[len(v.window)-v.limit:]
	}
	return true
}

func (v *recentView) emit() {
	out := make([]models.ChatMessage, len(v.window))
	copy(out, v.window)
	v.handler(out)
}
