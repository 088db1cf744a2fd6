// Package identity resolves request principals: bearer tokens and
// authorized IPs are looked up against the user store, with a short
// TTL cache in front and best-effort usage logging behind.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/cache"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Common errors.
var (
	ErrInvalidFormat = errors.New("token format invalid")
	ErrNotFound      = errors.New("identity not found")
)

// tokenPattern is checked before any store lookup.
var tokenPattern = regexp.MustCompile(`^at_[a-f0-9]{32}$`)

// ValidTokenFormat reports whether token looks like a credential this
// system could have issued.
func ValidTokenFormat(token string) bool {
	return tokenPattern.MatchString(token)
}

// lastUsedUpdate is one queued timestamp write.
type lastUsedUpdate struct {
	kind string // "token" or "ip"
	key  string
	at   time.Time
}

// Store resolves identities against Postgres.
type Store struct {
	pool     *pgxpool.Pool
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	queue   chan lastUsedUpdate
	dropped uint64
	mu      sync.Mutex

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewStore creates an identity store. The cache and metrics may be nil.
// A single background worker drains the last-used queue; updates are
// dropped when the queue is full rather than blocking the request path.
func NewStore(pool *pgxpool.Pool, c cache.Cache, cfg config.IdentityConfig, m *metrics.Metrics, logger zerolog.Logger) *Store {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	s := &Store{
		pool:     pool,
		cache:    c,
		cacheTTL: cfg.CacheTTL,
		metrics:  m,
		logger:   logger,
		queue:    make(chan lastUsedUpdate, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.lastUsedWorker()

	return s
}

// ValidateToken resolves a bearer token to an identity. The format is
// checked before any lookup; a hit schedules an async last-used update.
func (s *Store) ValidateToken(ctx context.Context, token string) (types.Identity, error) {
	if !ValidTokenFormat(token) {
		return types.Identity{}, ErrInvalidFormat
	}

	cacheKey := "token:" + token
	if id, ok := s.cached(ctx, cacheKey); ok {
		s.enqueueLastUsed("token", token)
		return id, nil
	}

	var id types.Identity
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, COALESCE(sub.plan, 'free')
		FROM access_tokens t
		JOIN users u ON u.id = t.user_id
		LEFT JOIN subscriptions sub ON sub.user_id = u.id
		WHERE t.token = $1`,
		token).Scan(&id.UserID, &id.Email, &id.Name, &id.Plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Identity{}, ErrNotFound
	}
	if err != nil {
		return types.Identity{}, fmt.Errorf("token lookup: %w", err)
	}

	id.Token = token
	s.storeCached(ctx, cacheKey, id)
	s.enqueueLastUsed("token", token)

	return id, nil
}

// ResolveIP resolves a client address authorized for a user.
func (s *Store) ResolveIP(ctx context.Context, ip string) (types.Identity, error) {
	if ip == "" {
		return types.Identity{}, ErrNotFound
	}

	cacheKey := "ip:" + ip
	if id, ok := s.cached(ctx, cacheKey); ok {
		s.enqueueLastUsed("ip", ip)
		return id, nil
	}

	var id types.Identity
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, COALESCE(sub.plan, 'free')
		FROM authorized_ips a
		JOIN users u ON u.id = a.user_id
		LEFT JOIN subscriptions sub ON sub.user_id = u.id
		WHERE a.ip = $1`,
		ip).Scan(&id.UserID, &id.Email, &id.Name, &id.Plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Identity{}, ErrNotFound
	}
	if err != nil {
		return types.Identity{}, fmt.Errorf("ip lookup: %w", err)
	}

	id.Token = "ip-based"
	id.IP = ip
	s.storeCached(ctx, cacheKey, id)
	s.enqueueLastUsed("ip", ip)

	return id, nil
}

// LogSearch records a search call. Failures are logged, never returned.
func (s *Store) LogSearch(entry types.SearchLogEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.pool.Exec(ctx, `
			INSERT INTO search_logs (user_id, token, query, result_count, latency_ms, status, error_code, ip, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, now())`,
			nullIfEmpty(entry.Identity.UserID), nullIfEmpty(entry.Identity.Token),
			entry.Query, entry.ResultCount, entry.Latency.Milliseconds(),
			entry.Status, entry.ErrorCode, entry.Identity.IP)
		if err != nil {
			s.logger.Warn().Err(err).Msg("search log write failed")
		}
	}()
}

// LogFetch records a fetch call. Failures are logged, never returned.
func (s *Store) LogFetch(entry types.FetchLogEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.pool.Exec(ctx, `
			INSERT INTO fetch_logs (user_id, token, requested_url, actual_url, page_id, latency_ms, status, error_code, ip, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, 0), $6, $7, NULLIF($8, ''), $9, now())`,
			nullIfEmpty(entry.Identity.UserID), nullIfEmpty(entry.Identity.Token),
			entry.RequestedURL, entry.ActualURL, entry.PageID,
			entry.Latency.Milliseconds(), entry.Status, entry.ErrorCode, entry.Identity.IP)
		if err != nil {
			s.logger.Warn().Err(err).Msg("fetch log write failed")
		}
	}()
}

// Close stops the last-used worker and waits for it to drain.
func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Dropped returns how many last-used updates were discarded because
// the queue was full.
func (s *Store) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueueLastUsed schedules a timestamp write without ever blocking
// the request path.
func (s *Store) enqueueLastUsed(kind, key string) {
	select {
	case s.queue <- lastUsedUpdate{kind: kind, key: key, at: time.Now().UTC()}:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.LastUsedDropTotal.Inc()
		}
		s.logger.Debug().Str("kind", kind).Msg("last-used queue full, update dropped")
	}
}

func (s *Store) lastUsedWorker() {
	defer s.wg.Done()

	for {
		select {
		case u := <-s.queue:
			s.applyLastUsed(u)
		case <-s.stopCh:
			// Drain whatever is already queued.
			for {
				select {
				case u := <-s.queue:
					s.applyLastUsed(u)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) applyLastUsed(u lastUsedUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch u.kind {
	case "token":
		_, err = s.pool.Exec(ctx, `UPDATE access_tokens SET last_used_at = $1 WHERE token = $2`, u.at, u.key)
	case "ip":
		_, err = s.pool.Exec(ctx, `UPDATE authorized_ips SET last_used_at = $1 WHERE ip = $2`, u.at, u.key)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", u.kind).Msg("last-used update failed")
	}
}

func (s *Store) cached(ctx context.Context, key string) (types.Identity, bool) {
	if s.cache == nil {
		return types.Identity{}, false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return types.Identity{}, false
	}
	var id types.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return types.Identity{}, false
	}
	return id, true
}

func (s *Store) storeCached(ctx context.Context, key string, id types.Identity) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		s.logger.Debug().Err(err).Msg("identity cache write failed")
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
