package services

import (
	"context"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"studysync-backend/internal/models"
	"studysync-backend/internal/pubsub"
)

const (
	DefaultPresenceTimeout = 30 * time.Second
	DefaultPresenceGrace   = 5 * time.Minute
	maxStatusRunes         = 140
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,32}$`)

// participantRemover retracts a user from every room it occupies.
type participantRemover interface {
	RemoveFromAllRooms(ctx context.Context, username string) error
}

type PresenceService struct {
	store   PresenceStore
	rooms   participantRemover
	broker  pubsub.Broker
	clock   Clock
	timeout time.Duration
	grace   time.Duration

	mu       sync.Mutex
	expired  map[string]time.Time
	stopChan chan struct{}
}

func NewPresenceService(store PresenceStore, rooms participantRemover, broker pubsub.Broker, clock Clock, timeout, grace time.Duration) *PresenceService {
	if timeout <= 0 {
		timeout = DefaultPresenceTimeout
	}
	if grace <= 0 {
		grace = DefaultPresenceGrace
	}
	return &PresenceService{
		store:    store,
		rooms:    rooms,
		broker:   broker,
		clock:    clock,
		timeout:  timeout,
		grace:    grace,
		expired:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
}

func (s *PresenceService) Timeout() time.Duration {
	return s.timeout
}

// HeartbeatInterval is the largest safe heartbeat period: strictly less than
// half the timeout so that one missed beat is tolerated.
func (s *PresenceService) HeartbeatInterval() time.Duration {
	return s.timeout * 2 / 5
}

// Register creates or refreshes the caller's presence. Flags set earlier in
// the session survive a refresh.
func (s *PresenceService) Register(ctx context.Context, username, initialStatus string) (*models.UserPresence, error) {
	fieldErrors := make(map[string]string)
	if !usernameRegex.MatchString(username) {
		fieldErrors["username"] = "Username must be 1-32 letters, digits, '.', '_' or '-'"
	}
	if utf8.RuneCountInString(initialStatus) > maxStatusRunes {
		fieldErrors["status_text"] = "Status must be at most 140 characters"
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	now := s.clock.now()
	p := models.UserPresence{Username: username, StatusText: initialStatus, LastHeartbeat: now}

	existing, err := s.store.Get(ctx, username)
	if err != nil && !isNotFound(err) {
		return nil, storeErr("presence.register", err, "")
	}
	if existing != nil {
		p.IsStudying = existing.IsStudying
		p.IsFocusMode = existing.IsFocusMode
		p.ImageURL = existing.ImageURL
	}

	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, &TransientError{Op: "presence.register", Err: err}
	}
	s.forgetExpiry(username)
	s.publish(ctx, username, "registered")
	return &p, nil
}

// Heartbeat refreshes last_heartbeat. A user that had gone stale is announced
// as online again.
func (s *PresenceService) Heartbeat(ctx context.Context, username string) error {
	existing, err := s.store.Get(ctx, username)
	if err != nil {
		return storeErr("presence.heartbeat", err, "Presence not registered")
	}

	now := s.clock.now()
	if err := s.store.Touch(ctx, username, now); err != nil {
		return storeErr("presence.heartbeat", err, "Presence not registered")
	}

	if !existing.IsLive(now, s.timeout) {
		s.forgetExpiry(username)
		s.publish(ctx, username, "online")
	}
	return nil
}

// SetStatus changes the status text. A caller editing someone else's record
// is ignored without error; applied reports whether the write happened.
func (s *PresenceService) SetStatus(ctx context.Context, caller, username, text string) (bool, error) {
	return s.SetActivity(ctx, caller, username, models.PresencePatch{StatusText: &text})
}

// SetActivity applies an owner-only partial update.
func (s *PresenceService) SetActivity(ctx context.Context, caller, username string, patch models.PresencePatch) (bool, error) {
	if caller != username {
		log.Printf("presence: ignoring update of %s by %s", username, caller)
		return false, nil
	}
	if patch.Empty() {
		return false, nil
	}
	if patch.StatusText != nil && utf8.RuneCountInString(*patch.StatusText) > maxStatusRunes {
		return false, &ValidationError{Fields: map[string]string{"status_text": "Status must be at most 140 characters"}}
	}
	if patch.ImageURL != nil && *patch.ImageURL != "" && !validImageURL(*patch.ImageURL) {
		return false, &ValidationError{Fields: map[string]string{"image_url": "Image URL must be http(s)"}}
	}

	if err := s.store.Patch(ctx, username, patch); err != nil {
		return false, storeErr("presence.set_activity", err, "Presence not registered")
	}
	s.publish(ctx, username, "updated")
	return true, nil
}

// List returns the live presences, split into studying and idle, with
// liveness computed against the current time.
func (s *PresenceService) List(ctx context.Context) (models.PresenceList, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return models.PresenceList{}, &TransientError{Op: "presence.list", Err: err}
	}

	now := s.clock.now()
	list := models.PresenceList{
		Studying: []models.UserPresence{},
		Idle:     []models.UserPresence{},
		At:       now,
	}
	for _, p := range all {
		if !p.IsLive(now, s.timeout) {
			continue
		}
		if p.IsStudying {
			list.Studying = append(list.Studying, p)
		} else {
			list.Idle = append(list.Idle, p)
		}
	}
	sortPresences(list.Studying)
	sortPresences(list.Idle)
	return list, nil
}

// IsLive reports whether username currently has a live presence.
func (s *PresenceService) IsLive(ctx context.Context, username string) (bool, error) {
	p, err := s.store.Get(ctx, username)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, &TransientError{Op: "presence.get", Err: err}
	}
	return p.IsLive(s.clock.now(), s.timeout), nil
}

// Watch delivers a fresh snapshot to handler now and after every presence
// change until the returned subscription is cancelled.
func (s *PresenceService) Watch(handler func(models.PresenceList)) *pubsub.Subscription {
	sub := s.broker.Subscribe(pubsub.TopicPresence, func(ev models.Event) {
		list, err := s.List(context.Background())
		if err != nil {
			log.Printf("presence: snapshot for watcher failed: %v", err)
			return
		}
		handler(list)
	})
	sub.Push(models.Event{Type: models.EventPresenceChanged, At: s.clock.now()})
	return sub
}

// Deregister removes the presence and retracts the user from all rooms.
func (s *PresenceService) Deregister(ctx context.Context, username string) error {
	if err := s.rooms.RemoveFromAllRooms(ctx, username); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, username); err != nil && !isNotFound(err) {
		return &TransientError{Op: "presence.deregister", Err: err}
	}
	s.forgetExpiry(username)
	s.publish(ctx, username, "deregistered")
	return nil
}

// Sweep handles users whose heartbeat expired since the last pass: they are
// removed from every room and subscribers are told. Records stale for longer
// than the grace period are purged.
func (s *PresenceService) Sweep(ctx context.Context) error {
	all, err := s.store.List(ctx)
	if err != nil {
		return &TransientError{Op: "presence.sweep", Err: err}
	}
	now := s.clock.now()

	seen := make(map[string]bool, len(all))
	for _, p := range all {
		seen[p.Username] = true
		if p.IsLive(now, s.timeout) {
			s.forgetExpiry(p.Username)
			continue
		}

		if s.markExpired(p.Username, p.LastHeartbeat) {
			if err := s.rooms.RemoveFromAllRooms(ctx, p.Username); err != nil {
				log.Printf("presence: failed to remove expired %s from rooms: %v", p.Username, err)
				s.forgetExpiry(p.Username)
				continue
			}
			s.publish(ctx, p.Username, "expired")
		}

		if now.Sub(p.LastHeartbeat) >= s.timeout+s.grace {
			if err := s.store.Delete(ctx, p.Username); err != nil && !isNotFound(err) {
				log.Printf("presence: failed to purge %s: %v", p.Username, err)
				continue
			}
			s.forgetExpiry(p.Username)
		}
	}

	s.mu.Lock()
	for username := range s.expired {
		if !seen[username] {
			delete(s.expired, username)
		}
	}
	s.mu.Unlock()
	return nil
}

// Start runs Sweep every half timeout until Stop.
func (s *PresenceService) Start() {
	go func() {
		ticker := time.NewTicker(s.timeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				if err := s.Sweep(context.Background()); err != nil {
					log.Printf("presence: sweep failed: %v", err)
				}
			}
		}
	}()
	log.Printf("Presence sweeper started (timeout %s)", s.timeout)
}

func (s *PresenceService) Stop() {
	select {
	case <-s.stopChan:
		return
	default:
		close(s.stopChan)
	}
}

func (s *PresenceService) markExpired(username string, lastHeartbeat time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.expired[username]; ok && at.Equal(lastHeartbeat) {
		return false
	}
	s.expired[username] = lastHeartbeat
	return true
}

func (s *PresenceService) forgetExpiry(username string) {
	s.mu.Lock()
	delete(s.expired, username)
	s.mu.Unlock()
}

func (s *PresenceService) publish(ctx context.Context, username, reason string) {
	ev, err := models.NewEvent(models.EventPresenceChanged, "", s.clock.now(), models.PresenceChange{
		Username: username,
		Reason:   reason,
	})
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, pubsub.TopicPresence, ev); err != nil {
		log.Printf("presence: publish %s for %s failed: %v", reason, username, err)
	}
}

func sortPresences(ps []models.UserPresence) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].Username < ps[j].Username
	})
}
