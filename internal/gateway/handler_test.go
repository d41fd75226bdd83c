package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigocheck/gateway/internal/config"
	"github.com/bigocheck/gateway/internal/health"
	"github.com/bigocheck/gateway/internal/idempotency"
	"github.com/bigocheck/gateway/internal/quotastore"
	"github.com/bigocheck/gateway/internal/ratelimit"
	"github.com/bigocheck/gateway/internal/telemetry"
	"github.com/bigocheck/gateway/internal/upstream"
)

// stubCaller scripts upstream outcomes for pipeline tests.
type stubCaller struct {
	calls atomic.Int64
	delay time.Duration

	mu      sync.Mutex
	lastReq *upstream.Request
	result  *upstream.Result
	err     error
}

func (s *stubCaller) Invoke(_ context.Context, req *upstream.Request) (*upstream.Result, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &upstream.Result{Payload: []byte(`{"time":"O(n)"}`), SizeBytes: 15}, nil
}

func (s *stubCaller) Reachable(context.Context) error { return nil }

func (s *stubCaller) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type testGateway struct {
	server *Server
	caller *stubCaller
	store  *quotastore.MemoryStore
	tel    *telemetry.Counters
}

func newTestGateway(perClient, global int64) *testGateway {
	cfg := &config.Config{
		ListenAddr:          ":0",
		PerClientDailyLimit: perClient,
		GlobalDailyLimit:    global,
	}
	tel := telemetry.New()
	store := quotastore.NewMemoryStore()
	limiter := ratelimit.New(store, ratelimit.Config{
		PerClientLimit: perClient,
		GlobalLimit:    global,
		Location:       time.UTC,
		StoreTimeout:   time.Second,
	}, tel)
	cache := idempotency.New(idempotency.NewMemoryStore(100, time.Hour), idempotency.Config{
		TTL:          time.Hour,
		StoreTimeout: time.Second,
	}, tel)
	caller := &stubCaller{}
	checker := health.NewChecker(store, caller, time.Second)

	return &testGateway{
		server: newServer(cfg, limiter, cache, caller, checker, tel),
		caller: caller,
		store:  store,
		tel:    tel,
	}
}

func (g *testGateway) analyze(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader([]byte(body)))
	req.RemoteAddr = "10.0.0.1:50000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

const validBody = `{"code":"for i in range(n): pass","language":"python"}`

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestAnalyzeSuccess(t *testing.T) {
	g := newTestGateway(10, 100)

	rec := g.analyze(t, validBody, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success {
		t.Error("success = false")
	}
	if string(body.Result) != `{"time":"O(n)"}` {
		t.Errorf("result = %s", body.Result)
	}

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("X-RateLimit-Limit = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Global-Remaining"); got != "99" {
		t.Errorf("X-RateLimit-Global-Remaining = %q", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request ID")
	}
	if g.caller.calls.Load() != 1 {
		t.Errorf("upstream calls = %d", g.caller.calls.Load())
	}
}

func TestAnalyzeValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"code":`},
		{"empty code", `{"code":""}`},
		{"oversized code", `{"code":"` + strings.Repeat("x", 50001) + `"}`},
		{"unknown language", `{"code":"x","language":"cobol"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(10, 100)
			rec := g.analyze(t, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if g.caller.calls.Load() != 0 {
				t.Error("rejected request reached the upstream")
			}
			if kind := decodeError(t, rec)["kind"]; kind != "bad_request" {
				t.Errorf("kind = %v", kind)
			}
		})
	}
}

func TestQuotaExhaustionReturns429(t *testing.T) {
	g := newTestGateway(2, 100)

	for i := 0; i < 2; i++ {
		if rec := g.analyze(t, validBody, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := g.analyze(t, validBody, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if kind := decodeError(t, rec)["kind"]; kind != "quota_exceeded" {
		t.Errorf("kind = %v", kind)
	}
	if g.caller.calls.Load() != 2 {
		t.Errorf("rejected request reached the upstream, calls = %d", g.caller.calls.Load())
	}
	if g.tel.RateLimitHits.Load() != 1 {
		t.Errorf("rate limit hits = %d", g.tel.RateLimitHits.Load())
	}
}

func TestClientsAreIsolated(t *testing.T) {
	g := newTestGateway(1, 100)

	first := g.analyze(t, validBody, map[string]string{"X-Forwarded-For": "1.1.1.1"})
	blocked := g.analyze(t, validBody, map[string]string{"X-Forwarded-For": "1.1.1.1"})
	other := g.analyze(t, validBody, map[string]string{"X-Forwarded-For": "2.2.2.2"})

	if first.Code != http.StatusOK || other.Code != http.StatusOK {
		t.Errorf("statuses = %d / %d, want 200 / 200", first.Code, other.Code)
	}
	if blocked.Code != http.StatusTooManyRequests {
		t.Errorf("blocked status = %d, want 429", blocked.Code)
	}
}

func TestIdempotentReplay(t *testing.T) {
	g := newTestGateway(10, 100)
	hdr := map[string]string{"Idempotency-Key": "abc"}

	first := g.analyze(t, `{"code":"body A"}`, hdr)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("first response must not be tagged as a replay")
	}

	// Same token with a different body still replays the first response.
	second := g.analyze(t, `{"code":"body B"}`, hdr)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replay not tagged")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Error("replayed body differs from the original")
	}
	if g.caller.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", g.caller.calls.Load())
	}

	// The replay spent no quota: a fresh request still sees only one consumed.
	third := g.analyze(t, validBody, nil)
	if got := third.Header().Get("X-RateLimit-Remaining"); got != "8" {
		t.Errorf("remaining after replay = %q, want 8", got)
	}
	if g.tel.IdempotentReplays.Load() != 1 {
		t.Errorf("replays counted = %d", g.tel.IdempotentReplays.Load())
	}
}

func TestIdempotencyKeyTooLong(t *testing.T) {
	g := newTestGateway(10, 100)

	rec := g.analyze(t, validBody, map[string]string{
		"Idempotency-Key": strings.Repeat("k", 256),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if g.caller.calls.Load() != 0 {
		t.Error("rejected request reached the upstream")
	}
}

func TestFailedRequestDoesNotCommitIdempotency(t *testing.T) {
	g := newTestGateway(10, 100)
	hdr := map[string]string{"Idempotency-Key": "retry-me"}

	g.caller.setErr(&upstream.Error{Kind: upstream.KindTransient})
	if rec := g.analyze(t, validBody, hdr); rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	// The failure was not cached: a retry with the same token runs again.
	g.caller.setErr(nil)
	rec := g.analyze(t, validBody, hdr)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d", rec.Code)
	}
	if rec.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("retry after failure must not be a replay")
	}
	if g.caller.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", g.caller.calls.Load())
	}
}

func TestConcurrentSameTokenSingleInvocation(t *testing.T) {
	g := newTestGateway(10, 100)
	g.caller.delay = 30 * time.Millisecond
	hdr := map[string]string{"Idempotency-Key": "concurrent"}

	var wg sync.WaitGroup
	codes := make([]int, 5)
	bodies := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := g.analyze(t, validBody, hdr)
			codes[i] = rec.Code
			bodies[i] = rec.Body.String()
		}(i)
	}
	wg.Wait()

	for i := range codes {
		if codes[i] != http.StatusOK {
			t.Errorf("request %d: status = %d", i, codes[i])
		}
		if bodies[i] != bodies[0] {
			t.Errorf("request %d observed a different body", i)
		}
	}
	if g.caller.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", g.caller.calls.Load())
	}
}

// downStore simulates a quota store outage.
type downStore struct{}

func (downStore) IncrWithExpiry(context.Context, string, time.Time) (int64, error) {
	return 0, errDown
}
func (downStore) Count(context.Context, string) (int64, error) { return 0, errDown }
func (downStore) Ping(context.Context) error                   { return errDown }
func (downStore) Close() error                                 { return nil }

var errDown = &net.OpError{Op: "dial", Err: errors.New("connection refused")}

func TestStoreOutageFailsClosed(t *testing.T) {
	g := newTestGateway(10, 100)
	tel := telemetry.New()
	g.server.limiter = ratelimit.New(downStore{}, ratelimit.Config{
		PerClientLimit: 10,
		GlobalLimit:    100,
		Location:       time.UTC,
		StoreTimeout:   time.Second,
	}, tel)

	rec := g.analyze(t, validBody, map[string]string{"Idempotency-Key": "outage"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if kind := decodeError(t, rec)["kind"]; kind != "store_unavailable" {
		t.Errorf("kind = %v", kind)
	}
	if g.caller.calls.Load() != 0 {
		t.Error("fail-closed request reached the upstream")
	}

	// The token was abandoned, not committed: a later attempt against a healthy
	// store runs fresh.
	g.server.limiter = ratelimit.New(g.store, ratelimit.Config{
		PerClientLimit: 10,
		GlobalLimit:    100,
		Location:       time.UTC,
		StoreTimeout:   time.Second,
	}, g.tel)
	rec = g.analyze(t, validBody, map[string]string{"Idempotency-Key": "outage"})
	if rec.Code != http.StatusOK {
		t.Fatalf("recovery status = %d", rec.Code)
	}
	if rec.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("failed admission must not be replayable")
	}
}

func TestUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{"timeout", &upstream.Error{Kind: upstream.KindTimeout}, http.StatusGatewayTimeout, "upstream_timeout"},
		{"transient exhausted", &upstream.Error{Kind: upstream.KindTransient}, http.StatusBadGateway, "upstream_error"},
		{"rejected", &upstream.Error{Kind: upstream.KindRejected, Status: 401}, http.StatusBadGateway, "upstream_rejected"},
		{"payload too large", &upstream.Error{Kind: upstream.KindTooLarge}, http.StatusBadGateway, "payload_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(10, 100)
			g.caller.setErr(tt.err)

			rec := g.analyze(t, validBody, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if kind := decodeError(t, rec)["kind"]; kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", kind, tt.wantKind)
			}
		})
	}
}

func TestInitializeDoesNotConsumeQuota(t *testing.T) {
	g := newTestGateway(10, 100)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/initialize", nil)
		req.RemoteAddr = "10.0.0.1:50000"
		rec := httptest.NewRecorder()
		g.server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Allowed   bool `json:"allowed"`
			PerClient struct {
				Limit     int64 `json:"limit"`
				Remaining int64 `json:"remaining"`
			} `json:"per_client"`
			ResetAt int64 `json:"reset_at"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if !body.Allowed || body.PerClient.Remaining != 10 {
			t.Fatalf("query %d consumed quota: %+v", i, body)
		}
		if body.ResetAt <= time.Now().Unix() {
			t.Error("reset_at not in the future")
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(10, 100)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report struct {
		Status  string   `json:"status"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "ok" || len(report.Reasons) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(10, 100)
	g.analyze(t, validBody, nil)
	g.analyze(t, `{"code":""}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)

	var snap telemetry.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.RequestsTotal != 2 {
		t.Errorf("requests_total = %d, want 2", snap.RequestsTotal)
	}
	if snap.RequestsFailed != 1 {
		t.Errorf("requests_failed = %d, want 1", snap.RequestsFailed)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	g := newTestGateway(10, 100)
	g.analyze(t, validBody, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway_requests_total 1") {
		t.Errorf("exposition missing counter:\n%s", rec.Body.String())
	}
}
