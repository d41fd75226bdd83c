package gateway

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/bigocheck/gateway/internal/errors"
	"github.com/bigocheck/gateway/internal/idempotency"
	"github.com/bigocheck/gateway/internal/logging"
	"github.com/bigocheck/gateway/internal/middleware"
	"github.com/bigocheck/gateway/internal/ratelimit"
	"github.com/bigocheck/gateway/internal/upstream"
)

// idempotencyKeyHeader carries the client-supplied dedup token.
const idempotencyKeyHeader = "Idempotency-Key"

// replayHeader tags responses served from the idempotency cache.
const replayHeader = "X-Idempotent-Replay"

// handleAnalyze runs the admission pipeline for one analysis request:
// idempotency check, then quota check, then the upstream call, then commit.
// The ordering is load-bearing: a replay must not spend quota, and a rejected
// request must never reach the upstream.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	s.tel.RequestsTotal.Add(1)

	req, apiErr := parseAnalyzeRequest(r)
	if apiErr != nil {
		s.fail(w, r, apiErr)
		return
	}

	token := r.Header.Get(idempotencyKeyHeader)
	acq, err := s.idem.Acquire(r.Context(), token)
	if err != nil {
		if stderrors.Is(err, idempotency.ErrKeyTooLong) {
			s.fail(w, r, errors.ErrBadRequest.WithDetails("Idempotency-Key exceeds 255 characters"))
			return
		}
		// Context cancelled while waiting on a concurrent request.
		s.fail(w, r, errors.ErrInternalServer)
		return
	}
	switch acq.Outcome {
	case idempotency.OutcomeReplay, idempotency.OutcomeWaited:
		writeReplay(w, acq.Entry)
		return
	}
	owns := acq.Outcome == idempotency.OutcomeProceed

	decision := s.limiter.Admit(r.Context(), clientIdentity(r))
	if decision.StoreUnavailable {
		if owns {
			s.idem.Abandon(token)
		}
		s.fail(w, r, errors.ErrStoreUnavailable)
		return
	}
	setQuotaHeaders(w.Header(), decision)
	if !decision.Allowed {
		if owns {
			s.idem.Abandon(token)
		}
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now())))
		s.fail(w, r, errors.ErrQuotaExceeded)
		return
	}

	result, err := s.upstream.Invoke(r.Context(), &upstream.Request{
		Code:     req.Code,
		Filename: req.Filename,
		Language: req.Language,
	})
	if err != nil {
		if owns {
			s.idem.Abandon(token)
		}
		s.fail(w, r, mapUpstreamError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	body := successBody(result.Payload)

	if owns {
		entry := &idempotency.Entry{
			StatusCode: http.StatusOK,
			Header:     replayableHeaders(w.Header()),
			Body:       body,
		}
		winner, ferr := s.idem.Finish(r.Context(), token, entry)
		if ferr != nil {
			// Best-effort: the analysis already succeeded.
			logging.Warn("Idempotency commit failed", zap.Error(ferr))
		}
		if winner != nil {
			// A concurrent commit won the race; discard our result and
			// return the winner's so both callers observe the same payload.
			writeReplay(w, winner)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleInitialize reports the caller's quota state without consuming any.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	snap, err := s.limiter.Snapshot(r.Context(), clientIdentity(r))
	if err != nil {
		s.failQuiet(w, r, errors.ErrStoreUnavailable)
		return
	}

	setQuotaHeaders(w.Header(), snap)
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed": snap.Allowed,
		"per_client": map[string]int64{
			"limit":     snap.PerClientLimit,
			"remaining": snap.PerClientRemaining,
		},
		"global": map[string]int64{
			"limit":     snap.GlobalLimit,
			"remaining": snap.GlobalRemaining,
		},
		"reset_at": snap.ResetAt.Unix(),
	})
}

// handleHealth computes a fresh dependency report.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.checker.Check(r.Context()))
}

// handleMetrics serves the JSON counter snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tel.Snapshot())
}

// fail writes a classified error and counts the failure.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, apiErr *errors.APIError) {
	s.tel.RequestsFailed.Add(1)
	s.failQuiet(w, r, apiErr)
}

// failQuiet writes a classified error without touching counters, for read
// paths outside the request pipeline.
func (s *Server) failQuiet(w http.ResponseWriter, r *http.Request, apiErr *errors.APIError) {
	if reqID := middleware.RequestIDFromContext(r.Context()); reqID != "" {
		apiErr = apiErr.WithRequestID(reqID)
	}
	apiErr.WriteJSON(w)
}

// mapUpstreamError converts classified upstream failures to API errors.
func mapUpstreamError(err error) *errors.APIError {
	var uerr *upstream.Error
	if !stderrors.As(err, &uerr) {
		return errors.ErrUpstreamError
	}
	switch uerr.Kind {
	case upstream.KindTimeout:
		return errors.ErrUpstreamTimeout
	case upstream.KindTooLarge:
		return errors.ErrPayloadTooLarge
	case upstream.KindRejected:
		return errors.ErrUpstreamRejected
	default:
		return errors.ErrUpstreamError
	}
}

// successBody wraps the opaque upstream payload in the response envelope.
func successBody(payload []byte) []byte {
	result := json.RawMessage(payload)
	if !json.Valid(payload) {
		// Defensive quoting; the chat-completions contract is JSON but the
		// payload is opaque to us.
		quoted, _ := json.Marshal(string(payload))
		result = quoted
	}
	body, _ := json.Marshal(map[string]any{
		"success": true,
		"result":  result,
	})
	return body
}

// setQuotaHeaders reflects the decision's post-request remaining counts.
func setQuotaHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.PerClientLimit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.PerClientRemaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Global-Limit", strconv.FormatInt(d.GlobalLimit, 10))
	h.Set("X-RateLimit-Global-Remaining", strconv.FormatInt(d.GlobalRemaining, 10))
}

// replayableHeaders captures the headers worth replaying with a cached entry.
func replayableHeaders(h http.Header) http.Header {
	keep := http.Header{}
	for _, k := range []string{
		"Content-Type",
		"X-RateLimit-Limit",
		"X-RateLimit-Remaining",
		"X-RateLimit-Reset",
		"X-RateLimit-Global-Limit",
		"X-RateLimit-Global-Remaining",
	} {
		if v := h.Get(k); v != "" {
			keep.Set(k, v)
		}
	}
	return keep
}

// writeReplay returns a stored response unchanged, tagged as a replay.
func writeReplay(w http.ResponseWriter, e *idempotency.Entry) {
	for k, vv := range e.Header {
		for _, v := range vv {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set(replayHeader, "true")
	w.WriteHeader(e.StatusCode)
	w.Write(e.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
