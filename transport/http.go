// Package transport provides gerbang.Transport implementations.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/ambiyansyah-risyal/gerbang"
)

// HTTPConfig configures an HTTP transport.
type HTTPConfig struct {
	// BaseURL is joined with each request endpoint.
	BaseURL string
	// H2C speaks cleartext HTTP/2 instead of HTTP/1.1.
	H2C             bool
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// Timeout bounds each round trip including the body read. Zero disables it.
	Timeout time.Duration
	// Headers are sent with every request unless the request overrides them.
	Headers map[string]string
}

// HTTP performs remote operations over net/http.
type HTTP struct {
	base    *url.URL
	headers map[string]string
	client  *http.Client
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	var rt http.RoundTripper
	if cfg.H2C {
		rt = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				d := &net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}
				return d.DialContext(ctx, network, addr)
			},
		}
	} else {
		rt = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConns,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		}
	}

	return &HTTP{
		base:    base,
		headers: cfg.Headers,
		client: &http.Client{
			Transport: rt,
			Timeout:   cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// WithHeaders returns a copy of t sharing its connections but sending extra
// headers. Lease factories use it to attach per-identity credentials.
func (t *HTTP) WithHeaders(headers map[string]string) *HTTP {
	merged := make(map[string]string, len(t.headers)+len(headers))
	for k, v := range t.headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	return &HTTP{base: t.base, headers: merged, client: t.client}
}

// Perform implements gerbang.Transport. Any status code is returned as a
// response; only network failures are errors.
func (t *HTTP) Perform(ctx context.Context, method, endpoint string, headers map[string]string, body []byte) (*gerbang.Response, error) {
	target, err := t.resolve(endpoint)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	resp := &gerbang.Response{
		Status:  httpResp.StatusCode,
		Data:    data,
		Headers: make(map[string]string, len(httpResp.Header)),
	}
	for k := range httpResp.Header {
		resp.Headers[k] = httpResp.Header.Get(k)
	}
	return resp, nil
}

// resolve joins endpoint onto the base URL. Absolute endpoints are used as is.
func (t *HTTP) resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if ref.IsAbs() || t.base.String() == "" {
		return ref.String(), nil
	}

	u := *t.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	if ref.RawQuery != "" {
		u.RawQuery = ref.RawQuery
	}
	return u.String(), nil
}

// Close releases idle connections.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
