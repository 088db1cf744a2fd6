package mcpserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/metrics"
)

const (
	// maxSessionAge is the hard lifetime of a session regardless of
	// activity.
	maxSessionAge = 24 * time.Hour

	// idleTimeout expires sessions with no traffic.
	idleTimeout = 2 * time.Hour

	// pingAlpha is the smoothing factor of the ping-interval EMA.
	pingAlpha = 0.2

	// sessionSweepInterval is how often expired sessions are collected.
	sessionSweepInterval = 5 * time.Minute
)

// Session is one initialized MCP connection. It is bound to the
// identity that created it; requests from a different identity are
// rejected.
type Session struct {
	ID              string
	ProtocolVersion string
	IdentityKey     string
	CreatedAt       time.Time

	mu           sync.Mutex
	lastActivity time.Time
	initialized  bool
	lastPing     time.Time
	pingEMA      time.Duration
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// MarkInitialized records the client's initialized notification.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether the handshake completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Expired reports whether the session passed its age or idle limit.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.CreatedAt) > maxSessionAge {
		return true
	}
	return now.Sub(s.lastActivity) > idleTimeout
}

// RecordPing folds a ping arrival into the interval EMA. The smoothed
// interval feeds session health decisions and debug logging.
func (s *Session) RecordPing(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastPing.IsZero() {
		interval := now.Sub(s.lastPing)
		if s.pingEMA == 0 {
			s.pingEMA = interval
		} else {
			s.pingEMA = time.Duration(pingAlpha*float64(interval) + (1-pingAlpha)*float64(s.pingEMA))
		}
	}
	s.lastPing = now
	s.lastActivity = now
	return s.pingEMA
}

// PingInterval returns the smoothed ping interval, zero before the
// second ping.
func (s *Session) PingInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingEMA
}

// Registry tracks live sessions and evicts expired ones in the
// background.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewRegistry creates a session registry and starts its janitor.
func NewRegistry(m *metrics.Metrics, logger zerolog.Logger) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.janitor()
	return r
}

// Create registers a new session bound to the given identity key.
func (r *Registry) Create(identityKey, protocolVersion string) *Session {
	now := r.now()
	s := &Session{
		ID:              uuid.NewString(),
		ProtocolVersion: protocolVersion,
		IdentityKey:     identityKey,
		CreatedAt:       now,
		lastActivity:    now,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.SessionsActive.Inc()
	}
	return s
}

// Get returns a live session by id. Expired sessions are removed and
// reported as absent.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.Expired(r.now()) {
		r.Remove(id)
		return nil, false
	}
	return s, true
}

// Remove deletes a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok && r.metrics != nil {
		r.metrics.SessionsActive.Dec()
	}
}

// Len returns the live session count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the janitor.
func (r *Registry) Close() {
	r.stop.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) janitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := r.now()
	var expired []string
	r.mu.RLock()
	for id, s := range r.sessions {
		if s.Expired(now) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range expired {
		r.Remove(id)
	}
	if len(expired) > 0 {
		r.logger.Debug().Int("count", len(expired)).Msg("expired sessions removed")
	}
}
