// Package telemetry holds the process-lifetime operational counters.
//
// Counters only ever increment; they reset when the process restarts. All
// components share one Counters instance and mutate it through atomic adds,
// so no locking is involved.
package telemetry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters is the fixed set of operational counters the gateway tracks.
type Counters struct {
	RequestsTotal     atomic.Int64
	RequestsFailed    atomic.Int64
	UpstreamTimeouts  atomic.Int64
	UpstreamErrors    atomic.Int64
	StoreErrors       atomic.Int64
	RateLimitHits     atomic.Int64
	IdempotentReplays atomic.Int64
}

// New creates an empty counter set.
func New() *Counters {
	return &Counters{}
}

// Snapshot is a point-in-time read-only copy of the counters.
type Snapshot struct {
	RequestsTotal     int64 `json:"requests_total"`
	RequestsFailed    int64 `json:"requests_failed"`
	UpstreamTimeouts  int64 `json:"upstream_timeouts"`
	UpstreamErrors    int64 `json:"upstream_errors"`
	StoreErrors       int64 `json:"store_errors"`
	RateLimitHits     int64 `json:"rate_limit_hits"`
	IdempotentReplays int64 `json:"idempotent_replays"`
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		RequestsTotal:     c.RequestsTotal.Load(),
		RequestsFailed:    c.RequestsFailed.Load(),
		UpstreamTimeouts:  c.UpstreamTimeouts.Load(),
		UpstreamErrors:    c.UpstreamErrors.Load(),
		StoreErrors:       c.StoreErrors.Load(),
		RateLimitHits:     c.RateLimitHits.Load(),
		IdempotentReplays: c.IdempotentReplays.Load(),
	}
}

// Register exposes the counters on a Prometheus registry. The atomics stay
// the single source of truth; Prometheus reads them lazily on scrape.
func Register(c *Counters, reg prometheus.Registerer) {
	counters := []struct {
		name string
		help string
		load func() int64
	}{
		{"gateway_requests_total", "Total analysis requests received", c.RequestsTotal.Load},
		{"gateway_requests_failed_total", "Analysis requests that did not return 200", c.RequestsFailed.Load},
		{"gateway_upstream_timeouts_total", "Upstream attempts that hit the hard timeout", c.UpstreamTimeouts.Load},
		{"gateway_upstream_errors_total", "Upstream attempts that failed for non-timeout reasons", c.UpstreamErrors.Load},
		{"gateway_store_errors_total", "Quota or idempotency store operations that errored", c.StoreErrors.Load},
		{"gateway_rate_limit_hits_total", "Requests rejected by quota admission", c.RateLimitHits.Load},
		{"gateway_idempotent_replays_total", "Responses served from the idempotency cache", c.IdempotentReplays.Load},
	}
	for _, def := range counters {
		load := def.load
		reg.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: def.name, Help: def.help},
			func() float64 { return float64(load()) },
		))
	}
}
