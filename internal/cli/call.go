package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ambiyansyah-risyal/gerbang"
	"github.com/ambiyansyah-risyal/gerbang/transport"
)

type callOptions struct {
	configPath  string
	baseURL     string
	method      string
	identity    string
	data        string
	headers     []string
	count       int
	concurrency int
	metricsAddr string
	quiet       bool
}

func newCallCommand() *cobra.Command {
	opts := &callOptions{}

	cmd := &cobra.Command{
		Use:   "call <endpoint>",
		Short: "Execute a remote operation through the resilience stack",
		Long: `Execute one or more requests against an HTTP endpoint. Every request goes
through the pool, rate limiter, cache, circuit breaker and retry layers
configured in the config file, and a metrics summary is printed at the end.

Example:
  gerbang call /status --base-url http://localhost:8080
  gerbang call /orders -X POST -d '{"id":1}' -H 'Authorization: Bearer x'
  gerbang call /items -n 100 --concurrency 8 --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (.yaml or .toml)")
	f.StringVar(&opts.baseURL, "base-url", "", "Base URL joined with the endpoint (overrides config)")
	f.StringVarP(&opts.method, "method", "X", "GET", "Request method")
	f.StringVarP(&opts.identity, "identity", "i", "default", "Caller identity used for pooling, rate limiting and caching")
	f.StringVarP(&opts.data, "data", "d", "", "Request body")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "Request header as 'Name: value' (repeatable)")
	f.IntVarP(&opts.count, "count", "n", 1, "Number of requests to send")
	f.IntVar(&opts.concurrency, "concurrency", 1, "Maximum requests in flight")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print response bodies")
	return cmd
}

func runCall(cmd *cobra.Command, opts *callOptions, endpoint string) error {
	if opts.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if opts.concurrency < 1 {
		opts.concurrency = 1
	}

	cfg := gerbang.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := gerbang.LoadConfig(opts.configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if opts.baseURL != "" {
		cfg.Transport.BaseURL = opts.baseURL
	}

	headers, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Debug, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	tr, err := transport.NewHTTP(transport.HTTPConfig{
		BaseURL: cfg.Transport.BaseURL,
		H2C:     cfg.Transport.H2C,
		Timeout: cfg.Transport.Timeout,
		Headers: cfg.Transport.Headers,
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer tr.Close()

	clientOpts := []gerbang.Option{gerbang.WithLogger(logger)}

	metricsAddr := opts.metricsAddr
	if metricsAddr == "" && cfg.Metrics.Prometheus {
		metricsAddr = cfg.Metrics.Address
	}
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		clientOpts = append(clientOpts, gerbang.WithPrometheus(registry))
		srv := serveMetrics(metricsAddr, cfg.Metrics.Path, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	client, err := gerbang.NewFromConfig(tr, cfg, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := &gerbang.Request{
		Method:   strings.ToUpper(opts.method),
		Endpoint: endpoint,
		Headers:  headers,
	}
	if opts.data != "" {
		req.Body = opts.data
	}

	out := cmd.OutOrStdout()
	var outMu sync.Mutex
	var failures int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i := 0; i < opts.count; i++ {
		g.Go(func() error {
			resp, err := client.ExecuteResponse(gctx, opts.identity, req)

			outMu.Lock()
			defer outMu.Unlock()
			if err != nil {
				failures++
				fmt.Fprintf(out, "error: %v\n", err)
				if gerbang.IsCancellation(err) {
					return err
				}
				return nil
			}
			if !opts.quiet {
				fmt.Fprintf(out, "%d %s\n", resp.Status, strings.TrimSpace(string(resp.Data)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printSummary(out, client.Metrics(), client.Pool().Stats(), client.Breakers().States())
	if failures == opts.count {
		return fmt.Errorf("all %d requests failed", failures)
	}
	return nil
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func serveMetrics(addr, path string, registry *prometheus.Registry, logger gerbang.Logger) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "addr", addr, "error", err.Error())
		}
	}()
	return srv
}

func printSummary(w io.Writer, m gerbang.MetricsSnapshot, pool gerbang.PoolStats, breakers map[string]gerbang.CircuitState) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "requests:     %d (%d errors)\n", m.RequestCount, m.ErrorCount)
	fmt.Fprintf(w, "latency:      avg %v  p50 %v  p95 %v  p99 %v\n", m.AverageLatency, m.P50, m.P95, m.P99)
	fmt.Fprintf(w, "cache:        %d hits, %d misses (%.1f%%)\n", m.CacheHits, m.CacheMisses, m.HitRate*100)
	fmt.Fprintf(w, "rejected:     %d rate limited, %d circuit open\n", m.RateLimited, m.CircuitRejected)
	fmt.Fprintf(w, "pool:         %d/%d leases\n", pool.Size, pool.MaxConnections)
	classes := make([]string, 0, len(breakers))
	for class := range breakers {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(w, "breaker:      %s %s\n", class, breakers[class])
	}
}
