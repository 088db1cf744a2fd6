// Package ratelimit enforces per-identity request budgets over two
// rolling windows: a minute-scale burst window and a week-scale plan
// quota. Counters live in Redis so limits hold across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/types"
)

const (
	shortWindow = time.Minute
	longWindow  = 7 * 24 * time.Hour
)

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed bool

	// LimitType is "short" or "long" when denied.
	LimitType string

	// Limit is the budget of the breached window.
	Limit int

	// Remaining is the unused budget of the short window when allowed.
	Remaining int

	// ResetsAt is when the breached window rolls over.
	ResetsAt time.Time
}

// Message renders the denial as plain text suitable for tool output.
func (d Decision) Message() string {
	switch d.LimitType {
	case "short":
		return fmt.Sprintf(
			"Rate limit exceeded: %d requests per minute. The limit resets at %s. "+
				"Please pace your requests, or upgrade your plan for higher limits.",
			d.Limit, d.ResetsAt.UTC().Format(time.RFC3339))
	case "long":
		return fmt.Sprintf(
			"Weekly quota exceeded: %d requests per week. The quota resets at %s. "+
				"Upgrade your plan for a higher weekly quota.",
			d.Limit, d.ResetsAt.UTC().Format(time.RFC3339))
	default:
		return "Rate limit exceeded."
	}
}

// Limiter checks and counts requests per identity.
type Limiter struct {
	client *redis.Client
	prefix string
	plans  map[string]config.PlanLimits
	logger zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter. The plans table must contain an "anonymous"
// entry; unknown plan names fall back to it.
func New(client *redis.Client, prefix string, plans map[string]config.PlanLimits, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client: client,
		prefix: prefix,
		plans:  plans,
		logger: logger,
		now:    time.Now,
	}
}

// Check counts this request and reports whether it is allowed. The
// short window is counted even when the long window later denies;
// mild over-counting is accepted for simplicity. A store failure
// allows the request rather than turning an accounting problem into
// an outage.
func (l *Limiter) Check(ctx context.Context, id types.Identity) (Decision, error) {
	limits := l.limitsFor(id)
	key := id.Key()

	shortCount, shortReset, err := l.incr(ctx, key, "minute", shortWindow)
	if err != nil {
		l.logger.Warn().Err(err).Str("identity", id.String()).Msg("rate counter unavailable, allowing request")
		return Decision{Allowed: true}, nil
	}
	if shortCount > int64(limits.Short) {
		return Decision{
			Allowed:   false,
			LimitType: "short",
			Limit:     limits.Short,
			ResetsAt:  shortReset,
		}, nil
	}

	longCount, longReset, err := l.incr(ctx, key, "week", longWindow)
	if err != nil {
		l.logger.Warn().Err(err).Str("identity", id.String()).Msg("rate counter unavailable, allowing request")
		return Decision{Allowed: true}, nil
	}
	if longCount > int64(limits.Long) {
		return Decision{
			Allowed:   false,
			LimitType: "long",
			Limit:     limits.Long,
			ResetsAt:  longReset,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Remaining: limits.Short - int(shortCount),
		ResetsAt:  shortReset,
	}, nil
}

// incr bumps the identity's counter for the current window bucket.
// INCR is atomic in Redis, so the count and the later comparison act
// as a single step across concurrent callers.
func (l *Limiter) incr(ctx context.Context, identityKey, window string, span time.Duration) (int64, time.Time, error) {
	windowStart := l.now().UTC().Truncate(span)
	resetsAt := windowStart.Add(span)

	key := fmt.Sprintf("%srate:%s:%s:%d", l.prefix, identityKey, window, windowStart.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, resetsAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("rate incr: %w", err)
	}

	return incr.Val(), resetsAt, nil
}

func (l *Limiter) limitsFor(id types.Identity) config.PlanLimits {
	if !id.Anonymous {
		if limits, ok := l.plans[id.Plan]; ok {
			return limits
		}
	}
	return l.plans["anonymous"]
}
