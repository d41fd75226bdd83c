package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/logging"
)

// Breaker is an opt-in circuit breaker in front of an Invoker: after repeated
// exhausted-retry failures it rejects fast instead of spending another full
// timeout-and-backoff cycle on a dead upstream.
type Breaker struct {
	inner Caller
	cb    *gobreaker.CircuitBreaker[*Result]
}

// BreakerConfig tunes the breaker.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// NewBreaker wraps a Caller with a circuit breaker.
func NewBreaker(inner Caller, cfg BreakerConfig) *Breaker {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    "analysis-upstream",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Upstream breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Breaker{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[*Result](settings),
	}
}

// Invoke delegates through the breaker. An open breaker surfaces as a
// transient upstream error; clients see the same classified kind they would
// for any exhausted upstream.
func (b *Breaker) Invoke(ctx context.Context, req *Request) (*Result, error) {
	result, err := b.cb.Execute(func() (*Result, error) {
		return b.inner.Invoke(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindTransient, Err: err}
		}
		return nil, err
	}
	return result, nil
}

// Reachable delegates to the wrapped caller; probes bypass the breaker.
func (b *Breaker) Reachable(ctx context.Context) error {
	return b.inner.Reachable(ctx)
}
