// Package upstream wraps the single expensive external call: the hosted LLM
// that performs the complexity analysis. The gateway treats the analysis as a
// black-box operation with a cost, a latency bound, and a fallible contract;
// the result payload is opaque beyond size validation.
package upstream

import (
	"context"
	"fmt"
	"net/http"
)

// Request is the analysis envelope accepted from the client.
type Request struct {
	Code     string
	Filename string
	Language string
}

// Result is a successful upstream outcome. Payload is the raw completion
// body; it is validated against the size ceiling, never truncated.
type Result struct {
	Payload   []byte
	SizeBytes int
}

// ErrorKind classifies upstream failures. Timeout and Transient are expected
// to resolve on retry; Rejected and TooLarge are not.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindTransient ErrorKind = "transient"
	KindRejected  ErrorKind = "rejected"
	KindTooLarge  ErrorKind = "too_large"
)

// Error is a classified upstream failure.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s: HTTP %d", e.Kind, e.Status)
	}
	return fmt.Sprintf("upstream %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure class is worth another attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransient
}

// Provider translates the analysis envelope into a concrete HTTP call for a
// specific LLM vendor.
type Provider interface {
	Name() string
	BuildRequest(ctx context.Context, req *Request) (*http.Request, error)
	// RetryableStatus reports whether a non-2xx status is a transient
	// failure for this vendor.
	RetryableStatus(status int) bool
	// BaseURL returns the vendor endpoint, used for reachability probes.
	BaseURL() string
}

// Caller is the invocation surface the gateway depends on; the breaker wraps
// an Invoker behind the same interface.
type Caller interface {
	Invoke(ctx context.Context, req *Request) (*Result, error)
	Reachable(ctx context.Context) error
}
