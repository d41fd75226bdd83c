// Package gateway composes the admission pipeline and serves the HTTP API.
package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/config"
	"github.com/bigocheck/gateway/internal/health"
	"github.com/bigocheck/gateway/internal/idempotency"
	"github.com/bigocheck/gateway/internal/logging"
	"github.com/bigocheck/gateway/internal/middleware"
	"github.com/bigocheck/gateway/internal/quotastore"
	"github.com/bigocheck/gateway/internal/ratelimit"
	"github.com/bigocheck/gateway/internal/telemetry"
	"github.com/bigocheck/gateway/internal/upstream"
)

// Server is the admission gateway.
type Server struct {
	cfg      *config.Config
	limiter  *ratelimit.Limiter
	idem     *idempotency.Cache
	upstream upstream.Caller
	checker  *health.Checker
	tel      *telemetry.Counters
	handler  http.Handler
	store    quotastore.Store
}

// NewServer wires the Redis-backed production dependency graph from config.
func NewServer(cfg *config.Config) (*Server, error) {
	tel := telemetry.New()

	store := quotastore.NewRedisStore(quotastore.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
		Timeout:  cfg.StoreTimeout,
	})

	limiter := ratelimit.New(store, ratelimit.Config{
		PerClientLimit: cfg.PerClientDailyLimit,
		GlobalLimit:    cfg.GlobalDailyLimit,
		Location:       cfg.ResetLocation(),
		StoreTimeout:   cfg.StoreTimeout,
	}, tel)

	// The idempotency store shares the quota store's connection pool.
	idemStore := idempotency.NewRedisStore(store.Client(), "idem:")
	cache := idempotency.New(idemStore, idempotency.Config{
		TTL:          cfg.IdempotencyTTL,
		StoreTimeout: cfg.StoreTimeout,
	}, tel)

	provider := upstream.NewGroq(upstream.GroqConfig{
		APIKey:  cfg.UpstreamAPIKey,
		BaseURL: cfg.UpstreamBaseURL,
		Model:   cfg.UpstreamModel,
	})
	var caller upstream.Caller = upstream.NewInvoker(provider, upstream.Config{
		Timeout:          cfg.UpstreamTimeout,
		MaxAttempts:      cfg.UpstreamMaxAttempts,
		BackoffBase:      cfg.UpstreamBackoffBase,
		MaxResponseBytes: cfg.MaxResponseBytes,
	}, tel)
	if cfg.BreakerEnabled {
		caller = upstream.NewBreaker(caller, upstream.BreakerConfig{})
	}

	checker := health.NewChecker(store, caller, cfg.StoreTimeout)

	s := newServer(cfg, limiter, cache, caller, checker, tel)
	s.store = store
	return s, nil
}

// newServer assembles the router and middleware around injected components.
// Tests use it with in-memory stores and a stub upstream.
func newServer(cfg *config.Config, limiter *ratelimit.Limiter, cache *idempotency.Cache,
	caller upstream.Caller, checker *health.Checker, tel *telemetry.Counters) *Server {

	s := &Server{
		cfg:      cfg,
		limiter:  limiter,
		idem:     cache,
		upstream: caller,
		checker:  checker,
		tel:      tel,
	}

	promReg := prometheus.NewRegistry()
	telemetry.Register(tel, promReg)

	router := httprouter.New()
	router.Handler(http.MethodPost, "/analyze", http.HandlerFunc(s.handleAnalyze))
	router.Handler(http.MethodGet, "/health", http.HandlerFunc(s.handleHealth))
	router.Handler(http.MethodGet, "/metrics", http.HandlerFunc(s.handleMetrics))
	router.Handler(http.MethodGet, "/metrics/prometheus",
		promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	router.Handler(http.MethodGet, "/initialize", http.HandlerFunc(s.handleInitialize))

	s.handler = middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
	).Then(router)

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Gateway listening", zap.String("addr", s.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logging.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)

	s.idem.Close()
	if s.store != nil {
		s.store.Close()
	}
	return err
}
