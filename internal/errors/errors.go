package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is a stable machine-readable error class clients can branch on.
// Internal detail (dependency errors, stack traces) never leaves the process
// through these; it stays in logs and telemetry.
type Kind string

const (
	KindBadRequest          Kind = "bad_request"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamError       Kind = "upstream_error"
	KindUpstreamRejected    Kind = "upstream_rejected"
	KindPayloadTooLarge     Kind = "payload_too_large"
	KindIdempotencyConflict Kind = "idempotency_conflict"
	KindInternal            Kind = "internal"
)

// APIError represents an error that can be returned to clients
type APIError struct {
	Code       int    `json:"code"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *APIError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrBadRequest = &APIError{
		Code:    http.StatusBadRequest,
		Kind:    KindBadRequest,
		Message: "Bad Request",
	}

	ErrQuotaExceeded = &APIError{
		Code:    http.StatusTooManyRequests,
		Kind:    KindQuotaExceeded,
		Message: "Daily analysis quota exceeded",
	}

	ErrStoreUnavailable = &APIError{
		Code:    http.StatusServiceUnavailable,
		Kind:    KindStoreUnavailable,
		Message: "Quota store unavailable",
	}

	ErrUpstreamTimeout = &APIError{
		Code:    http.StatusGatewayTimeout,
		Kind:    KindUpstreamTimeout,
		Message: "Analysis timed out",
	}

	ErrUpstreamError = &APIError{
		Code:    http.StatusBadGateway,
		Kind:    KindUpstreamError,
		Message: "Analysis backend error",
	}

	ErrUpstreamRejected = &APIError{
		Code:    http.StatusBadGateway,
		Kind:    KindUpstreamRejected,
		Message: "Analysis backend rejected the request",
	}

	ErrPayloadTooLarge = &APIError{
		Code:    http.StatusBadGateway,
		Kind:    KindPayloadTooLarge,
		Message: "Analysis result exceeded the size ceiling",
	}

	ErrIdempotencyConflict = &APIError{
		Code:    http.StatusConflict,
		Kind:    KindIdempotencyConflict,
		Message: "Concurrent request with the same idempotency key",
	}

	ErrInternalServer = &APIError{
		Code:    http.StatusInternalServerError,
		Kind:    KindInternal,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*APIError][]byte

func init() {
	bases := []*APIError{
		ErrBadRequest, ErrQuotaExceeded, ErrStoreUnavailable,
		ErrUpstreamTimeout, ErrUpstreamError, ErrUpstreamRejected,
		ErrPayloadTooLarge, ErrIdempotencyConflict, ErrInternalServer,
	}
	preSerialized = make(map[*APIError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new APIError
func New(code int, kind Kind, message string) *APIError {
	return &APIError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, kind Kind, message string) *APIError {
	return &APIError{
		Code:       code,
		Kind:       kind,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details string) *APIError {
	return &APIError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	return &APIError{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsAPIError checks if an error is an APIError
func IsAPIError(err error) (*APIError, bool) {
	if ae, ok := err.(*APIError); ok {
		return ae, true
	}
	return nil, false
}
