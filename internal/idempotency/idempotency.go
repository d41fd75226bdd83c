// Package idempotency deduplicates client retries: a client-supplied token
// maps to the first completed response, so a network retry never double-spends
// quota or observes a different result.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/logging"
	"github.com/bigocheck/gateway/internal/telemetry"
)

// MaxKeyLength bounds client-supplied tokens.
const MaxKeyLength = 255

// ErrKeyTooLong is returned for tokens over MaxKeyLength.
var ErrKeyTooLong = errors.New("idempotency key exceeds maximum length")

// Outcome classifies the result of Acquire.
type Outcome int

const (
	// OutcomeBypass means no token was supplied; idempotency is opt-in.
	OutcomeBypass Outcome = iota
	// OutcomeProceed means this request owns execution for the token and
	// must call Finish or Abandon.
	OutcomeProceed
	// OutcomeReplay means a committed entry exists and should be replayed.
	OutcomeReplay
	// OutcomeWaited means a concurrent request for the same token finished
	// first and its entry should be replayed.
	OutcomeWaited
)

// Result is the outcome of Acquire, with the entry to replay when applicable.
type Result struct {
	Outcome Outcome
	Entry   *Entry
}

type inflightEntry struct {
	done  chan struct{}
	entry *Entry
}

// Config holds cache settings.
type Config struct {
	// TTL is the entry retention period.
	TTL time.Duration
	// StoreTimeout bounds each store round trip.
	StoreTimeout time.Duration
}

// Cache coordinates lookup, in-flight deduplication, and first-writer-wins
// commits over a Store.
//
// Replays deliberately ignore the request body: a token reused with different
// input still replays the first response. Callers own token uniqueness per
// logical operation; that contract is cheaper and safer than content
// revalidation against a body the cache never stored.
type Cache struct {
	store Store
	cfg   Config
	tel   *telemetry.Counters

	mu       sync.Mutex
	inflight map[string]*inflightEntry
}

// New creates a Cache.
func New(store Store, cfg Config, tel *telemetry.Counters) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Cache{
		store:    store,
		cfg:      cfg,
		tel:      tel,
		inflight: make(map[string]*inflightEntry),
	}
}

// Acquire checks the token before any quota is spent. It returns a replay
// when a committed entry exists, waits when another request for the same
// token is already executing, and otherwise registers this request as the
// in-flight owner.
func (c *Cache) Acquire(ctx context.Context, token string) (Result, error) {
	if token == "" {
		return Result{Outcome: OutcomeBypass}, nil
	}
	if len(token) > MaxKeyLength {
		return Result{}, ErrKeyTooLong
	}

	storeCtx, cancel := c.storeContext(ctx)
	stored, err := c.store.Get(storeCtx, token)
	cancel()
	if err != nil {
		// A lookup failure degrades to a miss: the request proceeds and at
		// worst spends quota on a duplicate, which is recoverable; refusing
		// service here would not be.
		c.tel.StoreErrors.Add(1)
		logging.Warn("Idempotency lookup failed, treating as miss", zap.Error(err))
	}
	if stored != nil {
		c.tel.IdempotentReplays.Add(1)
		return Result{Outcome: OutcomeReplay, Entry: stored}, nil
	}

	c.mu.Lock()
	if entry, ok := c.inflight[token]; ok {
		c.mu.Unlock()
		select {
		case <-entry.done:
			if entry.entry != nil {
				c.tel.IdempotentReplays.Add(1)
				return Result{Outcome: OutcomeWaited, Entry: entry.entry}, nil
			}
			// Owner abandoned without committing; this request takes over.
			return c.Acquire(ctx, token)
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	c.inflight[token] = &inflightEntry{done: make(chan struct{})}
	c.mu.Unlock()

	return Result{Outcome: OutcomeProceed}, nil
}

// Finish commits the entry for token and wakes any waiters. The first writer
// wins; when a concurrent commit got there first the stored winner is
// returned so the caller can discard its own result and replay the winner's.
// A commit failure is reported but must not fail the response — the analysis
// already succeeded.
func (c *Cache) Finish(ctx context.Context, token string, e *Entry) (*Entry, error) {
	if token == "" {
		return nil, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()

	won, err := c.store.SetIfAbsent(storeCtx, token, e, c.cfg.TTL)
	if err != nil {
		c.tel.StoreErrors.Add(1)
		c.release(token, e)
		return nil, err
	}
	if !won {
		winner, gerr := c.store.Get(storeCtx, token)
		c.release(token, e)
		if gerr != nil || winner == nil {
			c.tel.StoreErrors.Add(1)
			return nil, gerr
		}
		return winner, nil
	}

	c.release(token, e)
	return nil, nil
}

// Abandon wakes waiters without committing, after a failed or rejected
// pipeline. Waiters re-acquire and run their own attempt.
func (c *Cache) Abandon(token string) {
	if token == "" {
		return
	}
	c.release(token, nil)
}

func (c *Cache) release(token string, e *Entry) {
	c.mu.Lock()
	if entry, ok := c.inflight[token]; ok {
		entry.entry = e
		close(entry.done)
		delete(c.inflight, token)
	}
	c.mu.Unlock()
}

// storeContext detaches from the caller so a client disconnect cannot leave a
// spent quota increment with no committed entry.
func (c *Cache) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StoreTimeout)
}

// Close releases store resources.
func (c *Cache) Close() {
	c.store.Close()
}
