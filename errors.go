package gerbang

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error types carried by *Error.
const (
	ErrorTypeTransport   = "Transport"
	ErrorTypeClient      = "Client"
	ErrorTypeServer      = "Server"
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypePoolTimeout = "PoolTimeout"
	ErrorTypeValidation  = "Validation"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	ErrCircuitOpen = errors.New("gerbang: circuit open")

	// ErrRateLimited is returned when a request is denied due to rate limiting
	ErrRateLimited = errors.New("gerbang: rate limited")

	// ErrPoolTimeout is returned when no pool capacity frees up in time
	ErrPoolTimeout = errors.New("gerbang: connection pool capacity wait timed out")

	// ErrPoolClosed is returned by Acquire after the pool has been closed
	ErrPoolClosed = errors.New("gerbang: connection pool closed")

	// ErrNextCalledTwice is returned when a middleware invokes next more than once
	ErrNextCalledTwice = errors.New("gerbang: next called more than once")
)

var sentinelTypes = map[error]string{
	ErrCircuitOpen: ErrorTypeCircuitOpen,
	ErrRateLimited: ErrorTypeRateLimit,
	ErrPoolTimeout: ErrorTypePoolTimeout,
}

// Error is the user-visible failure of any stage. It carries enough to
// diagnose a failure (class, status, attempts) but never pool or cache state.
type Error struct {
	Type        string
	Message     string
	Cause       error
	StatusCode  int
	Attempt     int
	MaxAttempts int
	Method      string
	Endpoint    string
	RetryAfter  time.Duration
	Timestamp   time.Time
	Duration    time.Duration
}

// Error implements error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error of the same Type or the sentinel for this Type.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	if typ, ok := sentinelTypes[target]; ok {
		return e.Type == typ
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.Endpoint != "" {
		info += fmt.Sprintf("Endpoint: %s\n", e.Endpoint)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxAttempts)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

func errorType(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsClientError reports whether err is a remote 4xx-equivalent failure.
func IsClientError(err error) bool {
	return errorType(err) == ErrorTypeClient
}

// IsServerError reports whether err is a remote 5xx-equivalent failure.
func IsServerError(err error) bool {
	return errorType(err) == ErrorTypeServer
}

// IsCancellation reports whether err stems from the caller's context being
// cancelled or its deadline passing. Such outcomes are neither successes nor
// failures for breaker and rate-limit accounting. Context errors wrapped in a
// Transport or Timeout *Error belong to the call, not the caller, and do not
// count.
func IsCancellation(err error) bool {
	switch x := err.(type) {
	case nil:
		return false
	case *Error:
		if x == nil {
			return false
		}
		if x.Type == ErrorTypeTransport || x.Type == ErrorTypeTimeout {
			return false
		}
		return IsCancellation(x.Cause)
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if IsCancellation(e) {
				return true
			}
		}
		return false
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return true
	}
	if x, ok := err.(interface{ Is(error) bool }); ok && (x.Is(context.Canceled) || x.Is(context.DeadlineExceeded)) {
		return true
	}
	if inner := errors.Unwrap(err); inner != nil {
		return IsCancellation(inner)
	}
	return false
}

// IsRetryable reports whether another attempt could succeed. Transport,
// server and timeout failures are retryable; client errors, local rejections
// and cancellations are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch errorType(err) {
	case ErrorTypeTransport, ErrorTypeServer, ErrorTypeTimeout:
		return true
	case ErrorTypeClient, ErrorTypeRateLimit, ErrorTypeCircuitOpen, ErrorTypePoolTimeout, ErrorTypeValidation:
		return false
	}
	if IsCancellation(err) {
		return false
	}
	return true
}

// classify turns a raw transport outcome into a typed error. A nil return
// means the response is a success. ctx is the context the attempt ran with:
// a context error is passed through only when ctx itself is done, so a
// transport's own timeout becomes a retryable Transport error.
func classify(ctx context.Context, req *Request, resp *Response, err error) error {
	if err != nil {
		var typed *Error
		if errors.As(err, &typed) {
			return err
		}
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return err
		}
		return &Error{
			Type:      ErrorTypeTransport,
			Message:   "transport call failed",
			Cause:     err,
			Method:    req.Method,
			Endpoint:  req.Endpoint,
			Timestamp: time.Now(),
		}
	}
	if resp == nil {
		return nil
	}
	switch {
	case resp.Status >= 500:
		return &Error{
			Type:       ErrorTypeServer,
			Message:    "remote server error",
			StatusCode: resp.Status,
			Method:     req.Method,
			Endpoint:   req.Endpoint,
			Timestamp:  time.Now(),
		}
	case resp.Status >= 400:
		return &Error{
			Type:       ErrorTypeClient,
			Message:    "remote rejected request",
			StatusCode: resp.Status,
			Method:     req.Method,
			Endpoint:   req.Endpoint,
			Timestamp:  time.Now(),
		}
	}
	return nil
}
