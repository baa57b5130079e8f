// Package session implements MCP Streamable-HTTP session lifecycle: session
// id correlation, per-session SSE connection fan-out, idle-timeout eviction,
// and keep-alive framing (spec §4.6). The LRU-map-plus-background-sweeper
// shape is grounded on the teacher's internal/idempotency/store.go
// MemoryStore, generalized from a response cache to a connection registry.
package session

import (
	"container/list"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// IDPrefix is prepended to every generated session id (spec §4.6).
const IDPrefix = "mcp_sess_"

// Session is a single MCP Streamable-HTTP session (spec §3.1):
// { id, createdAt, lastActivityAt, apiKey?, sseConnections[] }.
type Session struct {
	mu             sync.Mutex
	ID             string
	APIKey         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	conns          []*sseConn
	element        *list.Element
}

// sseConn wraps one SSE writer with its own keep-alive ticker and a done
// channel so Manager can stop the writer goroutine on eviction.
type sseConn struct {
	id     string
	w      http.ResponseWriter
	flush  http.Flusher
	done   chan struct{}
	closed bool
}

// Config collects the tunables Manager needs (mirrors config.SessionConfig).
type Config struct {
	IdleTimeout              time.Duration
	KeepAliveInterval        time.Duration
	SweepInterval            time.Duration
	MaxSessions              int
	MaxConnectionsPerSession int
}

// Manager owns the live session map plus an LRU list used to evict the
// least-recently-active session when MaxSessions is exceeded (spec §3.1:
// "Max concurrent sessions is bounded; on overflow the LRU session is
// destroyed").
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	lru      *list.List

	cfg Config

	stopSweep chan struct{}
	sweepDone chan struct{}

	logger zerolog.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a logger used for eviction/sweep diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New constructs a Manager and starts its background sweeper.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10000
	}
	if cfg.MaxConnectionsPerSession <= 0 {
		cfg.MaxConnectionsPerSession = 4
	}

	m := &Manager{
		sessions:  make(map[string]*Session),
		lru:       list.New(),
		cfg:       cfg,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
		logger:    zerolog.Nop(),
	}

	go m.sweep()
	return m
}

func generateID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return IDPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateSession registers a new session, optionally bound to an apiKey
// (spec §4.6 createSession(apiKey?) -> id). Evicts the LRU session first if
// at capacity.
func (m *Manager) CreateSession(apiKey string) (*Session, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	s := &Session{
		ID:             id,
		APIKey:         apiKey,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.evictLRULocked()
	}
	s.element = m.lru.PushFront(id)
	m.sessions[id] = s
	m.mu.Unlock()

	return s, nil
}

// evictLRULocked destroys the least-recently-active session. Caller must
// hold m.mu; the actual destroy work (closing SSE writers) happens without
// the lock held, mirroring DestroySession's pattern below.
func (m *Manager) evictLRULocked() {
	back := m.lru.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	s, ok := m.sessions[id]
	if !ok {
		m.lru.Remove(back)
		return
	}
	m.lru.Remove(back)
	delete(m.sessions, id)
	m.logger.Info().Str("session_id", id).Msg("session evicted: capacity exceeded")
	go s.closeAll()
}

// GetSession looks up a session by id, refreshing its LastActivityAt and
// LRU position. Returns (nil, false) if unknown or already past its idle
// deadline — an expired-but-not-yet-swept session is destroyed on this
// access rather than returned (spec §4.6: "returns null and destroys on
// timeout").
func (m *Manager) GetSession(id string) (*Session, bool) {
	now := time.Now()

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}

	s.mu.Lock()
	idle := now.Sub(s.LastActivityAt)
	s.mu.Unlock()

	if idle > m.cfg.IdleTimeout {
		m.lru.Remove(s.element)
		delete(m.sessions, id)
		m.mu.Unlock()
		go s.closeAll()
		return nil, false
	}

	m.lru.MoveToFront(s.element)
	m.mu.Unlock()

	s.mu.Lock()
	s.LastActivityAt = now
	s.mu.Unlock()

	return s, true
}

// AddSSEConnection registers w as an SSE writer for session id, writing the
// required header set and starting its keep-alive ticker (spec §4.6).
// Bounded per session: the oldest connection on that session is closed if
// MaxConnectionsPerSession would be exceeded.
func (m *Manager) AddSSEConnection(id string, w http.ResponseWriter) error {
	s, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session: %s not found", id)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("session: response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := &sseConn{id: id, w: w, flush: flusher, done: make(chan struct{})}

	s.mu.Lock()
	if len(s.conns) >= m.cfg.MaxConnectionsPerSession {
		oldest := s.conns[0]
		s.conns = s.conns[1:]
		close(oldest.done)
	}
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	go m.keepAlive(conn)
	return nil
}

func (m *Manager) keepAlive(c *sseConn) {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, err := c.w.Write([]byte(": keepalive\n\n")); err != nil {
				close(c.done)
				return
			}
			c.flush.Flush()
		}
	}
}

// SendNotification fans a payload out to every live SSE writer on session
// id, dropping (and closing) any writer whose Write fails (spec §4.6).
func (m *Manager) SendNotification(id string, payload []byte) error {
	s, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session: %s not found", id)
	}

	s.mu.Lock()
	conns := make([]*sseConn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	var live []*sseConn
	frame := append([]byte("data: "), append(payload, '\n', '\n')...)
	for _, c := range conns {
		select {
		case <-c.done:
			continue
		default:
		}
		if _, err := c.w.Write(frame); err != nil {
			close(c.done)
			continue
		}
		c.flush.Flush()
		live = append(live, c)
	}

	s.mu.Lock()
	s.conns = live
	s.mu.Unlock()
	return nil
}

// DestroySession removes a session and closes every SSE writer registered
// to it (spec §P8: "within one sweep cycle" — here immediately on an
// explicit DELETE /mcp rather than waiting for the sweeper).
func (m *Manager) DestroySession(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.lru.Remove(s.element)
	delete(m.sessions, id)
	m.mu.Unlock()

	s.closeAll()
}

func (s *Session) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}

// Len reports the current number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// sweep runs on cfg.SweepInterval and destroys every session past its idle
// deadline, grounded on the teacher's MemoryStore.cleanup goroutine shape
// (collect-then-delete to avoid mutating a map mid-range).
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	defer close(m.sweepDone)

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.LastActivityAt)
		s.mu.Unlock()
		if idle > m.cfg.IdleTimeout {
			expired = append(expired, s)
			m.lru.Remove(s.element)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.closeAll()
		m.logger.Debug().Str("session_id", s.ID).Msg("session swept: idle timeout")
	}
}

// Close stops the background sweeper and destroys every remaining session.
func (m *Manager) Close() error {
	close(m.stopSweep)
	<-m.sweepDone

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.lru.Init()
	m.mu.Unlock()

	for _, s := range sessions {
		s.closeAll()
	}
	return nil
}
