package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quad.social/location"
)

// Event is a typed frame pushed to a client.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Session is one live websocket connection.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	// Events buffers outbound frames for the socket write loop.
	Events chan Event

	kill     chan struct{}
	killOnce sync.Once
}

// Kill is closed when the session is torn down.
func (s *Session) Kill() <-chan struct{} { return s.kill }

func (s *Session) close() {
	s.killOnce.Do(func() { close(s.kill) })
}

// Presence refreshes a user's liveness timestamp.
type Presence interface {
	TouchLastActive(ctx context.Context, userID string) error
}

// Hub tracks live sessions per user and delivers events to them. It
// implements location.Notifier. A user may hold several concurrent
// sessions; their watcher subscriptions are dropped only when the last
// one closes.
type Hub struct {
	presence  Presence
	registry  *location.Registry
	metrics   Metrics
	heartbeat time.Duration
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
}

func NewHub(presence Presence, registry *location.Registry, metrics Metrics, heartbeat time.Duration, log zerolog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Minute
	}
	return &Hub{
		presence:  presence,
		registry:  registry,
		metrics:   metrics,
		heartbeat: heartbeat,
		log:       log.With().Str("component", "server.hub").Logger(),
		sessions:  make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
	}
}

// Register creates a session for an authenticated user, refreshes their
// liveness immediately and keeps refreshing it on the heartbeat interval
// until the session ends.
func (h *Hub) Register(userID string) *Session {
	s := &Session{
		ID:          uuid.New().String(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		Events:      make(chan Event, 32),
		kill:        make(chan struct{}),
	}

	h.mu.Lock()
	h.sessions[s.ID] = s
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[string]*Session)
		h.byUser[userID] = set
	}
	set[s.ID] = s
	h.mu.Unlock()

	h.metrics.SessionOpened()
	h.touch(userID)
	go h.heartbeatLoop(s)

	h.log.Debug().Str("user", userID).Str("session", s.ID).Msg("session registered")
	return s
}

func (h *Hub) heartbeatLoop(s *Session) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.kill:
			return
		case <-ticker.C:
			h.touch(s.UserID)
		}
	}
}

func (h *Hub) touch(userID string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.TouchLastActive(context.Background(), userID); err != nil {
		h.log.Warn().Err(err).Str("user", userID).Msg("liveness refresh failed")
	}
}

// Unregister tears a session down: the heartbeat stops, and when this was
// the user's last session their watcher subscriptions go with it. Others'
// subscriptions to this user stay; presence and subscription are
// independent.
func (h *Hub) Unregister(s *Session) {
	s.close()

	h.mu.Lock()
	delete(h.sessions, s.ID)
	last := false
	if set, ok := h.byUser[s.UserID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(h.byUser, s.UserID)
			last = true
		}
	}
	h.mu.Unlock()

	if last {
		h.registry.DropWatcher(s.UserID)
	}
	h.metrics.SessionClosed()
	h.log.Debug().Str("user", s.UserID).Str("session", s.ID).Msg("session unregistered")
}

// Push delivers an event to every live session of a user. Full session
// buffers are skipped rather than blocked on.
func (h *Hub) Push(userID, event string, payload interface{}) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.byUser[userID]))
	for _, s := range h.byUser[userID] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		select {
		case s.Events <- Event{Type: event, Data: payload}:
		default:
			h.log.Warn().Str("user", userID).Str("session", s.ID).Str("event", event).Msg("session buffer full, dropping event")
		}
	}
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
