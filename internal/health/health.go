// Package health computes dependency-aware liveness reports. A report is
// computed fresh per query and never cached: it reflects what is reachable
// right now, not what was reachable when the process started.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/logging"
)

// Status is the aggregate health status.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Itemized degradation reasons. Raw dependency errors stay in logs.
const (
	ReasonStoreUnreachable    = "quota_store_unreachable"
	ReasonUpstreamUnreachable = "upstream_unreachable"
)

// Report is the outcome of one health query.
type Report struct {
	Status    Status    `json:"status"`
	Reasons   []string  `json:"reasons"`
	CheckedAt time.Time `json:"checked_at"`
}

// StorePinger is the slice of the quota store the checker needs.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// UpstreamProber reports whether the upstream endpoint is reachable.
type UpstreamProber interface {
	Reachable(ctx context.Context) error
}

// Checker probes the gateway's two hard dependencies.
type Checker struct {
	store    StorePinger
	upstream UpstreamProber
	timeout  time.Duration
}

// NewChecker creates a Checker. Probes share a single short timeout.
func NewChecker(store StorePinger, upstream UpstreamProber, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{store: store, upstream: upstream, timeout: timeout}
}

// Check probes both dependencies concurrently and aggregates the result.
// The report is OK only when every probe succeeds.
func (c *Checker) Check(ctx context.Context) Report {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var mu sync.Mutex
	reasons := make([]string, 0, 2)
	addReason := func(reason string, err error) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
		logging.Warn("Health probe failed", zap.String("reason", reason), zap.Error(err))
	}

	g, gctx := errgroup.WithContext(probeCtx)
	g.Go(func() error {
		if err := c.store.Ping(gctx); err != nil {
			addReason(ReasonStoreUnreachable, err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.upstream.Reachable(gctx); err != nil {
			addReason(ReasonUpstreamUnreachable, err)
		}
		return nil
	})
	g.Wait()

	sort.Strings(reasons)
	status := StatusOK
	if len(reasons) > 0 {
		status = StatusDegraded
	}
	return Report{
		Status:    status,
		Reasons:   reasons,
		CheckedAt: time.Now(),
	}
}
