// Package ratelimit decides request admission against two independent daily
// quota scopes: one counter per client identity and one shared global counter.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/logging"
	"github.com/bigocheck/gateway/internal/quotastore"
	"github.com/bigocheck/gateway/internal/telemetry"
)

// GlobalIdentity is the fixed identity of the shared global counter.
const GlobalIdentity = "*"

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed bool

	PerClientLimit     int64
	PerClientRemaining int64
	GlobalLimit        int64
	GlobalRemaining    int64

	// ResetAt is the next midnight boundary in the configured time zone.
	ResetAt time.Time

	// StoreUnavailable marks a fail-closed rejection caused by the counter
	// store rather than an exhausted quota.
	StoreUnavailable bool
}

// RetryAfter returns the whole seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Config holds limiter settings.
type Config struct {
	PerClientLimit int64
	GlobalLimit    int64
	Location       *time.Location
	// StoreTimeout bounds each counter-store round trip.
	StoreTimeout time.Duration
}

// Limiter admits or rejects requests against the counter store.
//
// The limit is a hard ceiling on attempts, not on approved analyses: the
// counter increments at admission time, and the attempt is rejected when the
// post-increment count exceeds the limit. On any store failure the limiter
// fails closed — it never admits a request it could not count.
type Limiter struct {
	store   quotastore.Store
	cfg     Config
	tel     *telemetry.Counters
	nowFunc func() time.Time
}

// New creates a Limiter.
func New(store quotastore.Store, cfg Config, tel *telemetry.Counters) *Limiter {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Limiter{
		store:   store,
		cfg:     cfg,
		tel:     tel,
		nowFunc: time.Now,
	}
}

// SetClock overrides the time source, for window tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.nowFunc = now
}

func perClientKey(identity, date string) string {
	return "client:" + identity + ":" + date
}

func globalKey(date string) string {
	return "global:" + GlobalIdentity + ":" + date
}

// Admit counts one admission attempt for clientIdentity and decides whether
// it may proceed. A client already over its own limit short-circuits without
// touching the global counter, so blocked clients cannot drain the global
// budget.
func (l *Limiter) Admit(ctx context.Context, clientIdentity string) Decision {
	now := l.nowFunc()
	date := windowDate(now, l.cfg.Location)
	resetAt := nextReset(now, l.cfg.Location)

	d := Decision{
		PerClientLimit: l.cfg.PerClientLimit,
		GlobalLimit:    l.cfg.GlobalLimit,
		ResetAt:        resetAt,
	}

	// Store calls run on a detached context bounded by the store timeout: a
	// client disconnect mid-pipeline must not abandon an increment in flight.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.StoreTimeout)
	defer cancel()

	perCount, err := l.store.IncrWithExpiry(storeCtx, perClientKey(clientIdentity, date), resetAt)
	if err != nil {
		return l.failClosed(d, err)
	}
	d.PerClientRemaining = clamp(l.cfg.PerClientLimit - perCount)

	if perCount > l.cfg.PerClientLimit {
		l.tel.RateLimitHits.Add(1)
		// Global remaining is reported best-effort from a read-only probe.
		if n, err := l.store.Count(storeCtx, globalKey(date)); err == nil {
			d.GlobalRemaining = clamp(l.cfg.GlobalLimit - n)
		}
		return d
	}

	globalCount, err := l.store.IncrWithExpiry(storeCtx, globalKey(date), resetAt)
	if err != nil {
		return l.failClosed(d, err)
	}
	d.GlobalRemaining = clamp(l.cfg.GlobalLimit - globalCount)

	if globalCount > l.cfg.GlobalLimit {
		l.tel.RateLimitHits.Add(1)
		return d
	}

	d.Allowed = true
	return d
}

// Snapshot reports the caller's current quota state without consuming any.
// Reads never refresh counter TTLs.
func (l *Limiter) Snapshot(ctx context.Context, clientIdentity string) (Decision, error) {
	now := l.nowFunc()
	date := windowDate(now, l.cfg.Location)

	d := Decision{
		PerClientLimit: l.cfg.PerClientLimit,
		GlobalLimit:    l.cfg.GlobalLimit,
		ResetAt:        nextReset(now, l.cfg.Location),
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.StoreTimeout)
	defer cancel()

	perCount, err := l.store.Count(storeCtx, perClientKey(clientIdentity, date))
	if err != nil {
		l.tel.StoreErrors.Add(1)
		return d, err
	}
	globalCount, err := l.store.Count(storeCtx, globalKey(date))
	if err != nil {
		l.tel.StoreErrors.Add(1)
		return d, err
	}

	d.PerClientRemaining = clamp(l.cfg.PerClientLimit - perCount)
	d.GlobalRemaining = clamp(l.cfg.GlobalLimit - globalCount)
	d.Allowed = perCount < l.cfg.PerClientLimit && globalCount < l.cfg.GlobalLimit
	return d, nil
}

// failClosed rejects with zeroed remaining counts. Store failures are never
// retried inline and never fail open: a quota bypass during a partial outage
// is worse than denied service.
func (l *Limiter) failClosed(d Decision, err error) Decision {
	l.tel.StoreErrors.Add(1)
	logging.Warn("Quota store unavailable, failing closed", zap.Error(err))
	d.Allowed = false
	d.StoreUnavailable = true
	d.PerClientRemaining = 0
	d.GlobalRemaining = 0
	return d
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
