package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/logging"
	"github.com/bigocheck/gateway/internal/telemetry"
)

// Config holds invoker settings.
type Config struct {
	// Timeout is the hard wall-clock bound per attempt. A late result from
	// an expired attempt is discarded.
	Timeout time.Duration
	// MaxAttempts bounds total attempts, first try included.
	MaxAttempts int
	// BackoffBase seeds the exponential schedule between attempts
	// (base, 2*base, 4*base, ...).
	BackoffBase time.Duration
	// MaxResponseBytes is the payload size ceiling. Oversized payloads fail
	// as TooLarge; they are never truncated.
	MaxResponseBytes int64
}

// Invoker executes the upstream call with a per-attempt timeout and a bounded
// exponential-backoff retry policy restricted to transient failure classes.
type Invoker struct {
	provider Provider
	client   *http.Client
	cfg      Config
	tel      *telemetry.Counters
}

// NewInvoker creates an Invoker.
func NewInvoker(provider Provider, cfg Config, tel *telemetry.Counters) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 1 << 20
	}
	return &Invoker{
		provider: provider,
		client:   &http.Client{},
		cfg:      cfg,
		tel:      tel,
	}
}

// SetClient overrides the HTTP client, for tests.
func (i *Invoker) SetClient(c *http.Client) { i.client = c }

// Invoke runs the analysis call. Transient failures are retried up to the
// attempt budget and never surfaced individually; non-transient failures fail
// immediately. The call runs detached from the inbound request context so a
// client disconnect cannot orphan a half-finished pipeline.
func (i *Invoker) Invoke(ctx context.Context, req *Request) (*Result, error) {
	callCtx := context.WithoutCancel(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.cfg.BackoffBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // the schedule is part of the contract
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0

	var lastErr *Error
	for attempt := 1; attempt <= i.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(bo.NextBackOff())
		}

		result, uerr := i.attempt(callCtx, req)
		if uerr == nil {
			return result, nil
		}
		lastErr = uerr
		if !uerr.Retryable() {
			return nil, uerr
		}
		logging.Warn("Upstream attempt failed",
			zap.String("provider", i.provider.Name()),
			zap.Int("attempt", attempt),
			zap.String("kind", string(uerr.Kind)),
			zap.Error(uerr),
		)
	}
	return nil, lastErr
}

// attempt performs exactly one external call bounded by the hard timeout.
func (i *Invoker) attempt(ctx context.Context, req *Request) (*Result, *Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	httpReq, err := i.provider.BuildRequest(attemptCtx, req)
	if err != nil {
		return nil, i.classifyTransport(err)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, i.classifyTransport(err)
	}
	defer resp.Body.Close()

	// Read one byte past the ceiling so an exactly-at-limit payload passes
	// and an oversized one is detected without buffering it all.
	body, err := io.ReadAll(io.LimitReader(resp.Body, i.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, i.classifyTransport(err)
	}
	if int64(len(body)) > i.cfg.MaxResponseBytes {
		i.tel.UpstreamErrors.Add(1)
		return nil, &Error{Kind: KindTooLarge, Status: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		i.tel.UpstreamErrors.Add(1)
		if i.provider.RetryableStatus(resp.StatusCode) {
			return nil, &Error{Kind: KindTransient, Status: resp.StatusCode}
		}
		return nil, &Error{Kind: KindRejected, Status: resp.StatusCode}
	}

	return &Result{Payload: body, SizeBytes: len(body)}, nil
}

// classifyTransport separates timeouts from other transport failures so
// operators can tell latency problems from logic failures.
func (i *Invoker) classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		i.tel.UpstreamTimeouts.Add(1)
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		i.tel.UpstreamTimeouts.Add(1)
		return &Error{Kind: KindTimeout, Err: err}
	}
	i.tel.UpstreamErrors.Add(1)
	return &Error{Kind: KindTransient, Err: err}
}

// Reachable probes the provider endpoint with a TCP dial. It is a dependency
// reachability check, not a full invocation.
func (i *Invoker) Reachable(ctx context.Context) error {
	u, err := url.Parse(i.provider.BaseURL())
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}
