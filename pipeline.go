package gerbang

import (
	"context"
	"sync"
)

// Metadata keys set by the built-in middlewares.
const (
	MetaRequestID = "request_id"
	MetaCacheHit  = "cache_hit"
	MetaCacheKey  = "cache_key"
	MetaCoalesced = "coalesced"
)

// RequestContext is created per call and threaded through every middleware.
// Middlewares mutate it in place; it is discarded once Execute returns.
type RequestContext struct {
	Request  *Request
	Identity string
	Metadata map[string]any
	// Response is set by the terminal operation or by a middleware that
	// short-circuits the chain.
	Response *Response
}

// Bool reads a boolean metadata flag.
func (rc *RequestContext) Bool(key string) bool {
	v, _ := rc.Metadata[key].(bool)
	return v
}

// String reads a string metadata value.
func (rc *RequestContext) String(key string) string {
	v, _ := rc.Metadata[key].(string)
	return v
}

// NextFunc continues the chain.
type NextFunc func(ctx context.Context) error

// Middleware intercepts a request. Code before next runs in registration
// order and code after it in reverse. Returning without calling next either
// short-circuits (rc.Response set) or rejects (non-nil error).
type Middleware func(ctx context.Context, rc *RequestContext, next NextFunc) error

// TerminalFunc performs the call at the end of the chain.
type TerminalFunc func(ctx context.Context, rc *RequestContext) (*Response, error)

// Pipeline is an ordered middleware chain. Use must not race with Execute.
type Pipeline struct {
	mu          sync.RWMutex
	middlewares []Middleware
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Use appends middlewares and returns the pipeline for chaining.
func (p *Pipeline) Use(mw ...Middleware) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middlewares = append(p.middlewares, mw...)
	return p
}

// Len returns the number of registered middlewares.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.middlewares)
}

// Execute runs req through the chain and returns the response data.
func (p *Pipeline) Execute(ctx context.Context, identity string, req *Request, terminal TerminalFunc) ([]byte, error) {
	rc, err := p.ExecuteContext(ctx, identity, req, terminal)
	if err != nil {
		return nil, err
	}
	if rc.Response == nil {
		return nil, nil
	}
	return rc.Response.Data, nil
}

// ExecuteContext is Execute returning the whole RequestContext, so callers
// can inspect metadata written by middlewares. The context is returned even
// when err is non-nil.
func (p *Pipeline) ExecuteContext(ctx context.Context, identity string, req *Request, terminal TerminalFunc) (*RequestContext, error) {
	p.mu.RLock()
	chain := make([]Middleware, len(p.middlewares))
	copy(chain, p.middlewares)
	p.mu.RUnlock()

	rc := &RequestContext{
		Request:  req,
		Identity: identity,
		Metadata: make(map[string]any),
	}
	return rc, dispatch(ctx, chain, 0, rc, terminal)
}

func dispatch(ctx context.Context, chain []Middleware, i int, rc *RequestContext, terminal TerminalFunc) error {
	if i == len(chain) {
		resp, err := terminal(ctx, rc)
		if err != nil {
			return err
		}
		if resp == nil {
			resp = &Response{}
		}
		if resp.Status == 0 {
			resp.Status = 200
		}
		rc.Response = resp
		return nil
	}

	called := false
	next := func(ctx context.Context) error {
		if called {
			return ErrNextCalledTwice
		}
		called = true
		return dispatch(ctx, chain, i+1, rc, terminal)
	}
	return chain[i](ctx, rc, next)
}
