package gerbang

import (
	"context"
	"time"
)

// Request describes one remote operation. Body and Query are canonically
// serialised when the request is used as a cache key, so map ordering does
// not matter.
type Request struct {
	Method   string
	Endpoint string
	Body     any
	Query    map[string]string
	Headers  map[string]string
}

// Response is what a Transport hands back for a completed call.
type Response struct {
	Status  int
	Data    []byte
	Headers map[string]string
}

// Clone returns a deep copy so cached responses cannot be mutated by callers.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{Status: r.Status}
	if r.Data != nil {
		out.Data = append([]byte(nil), r.Data...)
	}
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Transport performs the actual network call. Implementations must honour
// ctx cancellation so that timed-out calls are aborted.
type Transport interface {
	Perform(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*Response, error)
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*Response, error)

// Perform implements Transport.
func (f TransportFunc) Perform(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*Response, error) {
	return f(ctx, method, endpoint, headers, body)
}

// Clock abstracts time so breaker, limiter, cache and pool behaviour can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// ClassFunc maps a request to the operation class whose breaker guards it.
type ClassFunc func(req *Request) string

// KeyFunc derives a rate-limit key from the calling identity and request.
type KeyFunc func(identity string, req *Request) string

// CacheCondition determines whether a request may be served from or stored
// in the response cache.
type CacheCondition func(req *Request) bool

// Option configures a Client.
type Option func(*Client)
