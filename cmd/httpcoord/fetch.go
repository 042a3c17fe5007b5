package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"httpcoord/internal/cache"
	"httpcoord/internal/config"
	"httpcoord/internal/coordinator"
	"httpcoord/internal/obs"
	"httpcoord/internal/request"
	"httpcoord/internal/transport"
)

const (
	metricsShutdownTimeout = 5 * time.Second
	drainTimeout           = 10 * time.Second
)

type fetchOptions struct {
	url         string
	method      string
	headers     []string
	body        string
	ttl         time.Duration
	ignoreCache bool
	concurrency int
	repeat      int
	interval    time.Duration
	metricsAddr string
}

func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Issue concurrent identical calls through one coordinator",
		Long: `Fetch builds one request and issues it from --concurrency callers at once,
--repeat times. Equal calls in flight share one transport call and cacheable
GET responses are served from memory until their TTL passes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFetch(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "", "Absolute request URL")
	flags.StringVar(&opts.method, "method", "GET", "GET, PUT, POST or DELETE")
	flags.StringArrayVar(&opts.headers, "header", nil, "Request header as name=value, repeatable")
	flags.StringVar(&opts.body, "body", "", "Request body")
	flags.DurationVar(&opts.ttl, "ttl", 0, "Cache TTL for GET responses (defaults to cache.default_ttl)")
	flags.BoolVar(&opts.ignoreCache, "ignore-cache", false, "Bypass the response cache")
	flags.IntVar(&opts.concurrency, "concurrency", 1, "Concurrent callers per round")
	flags.IntVar(&opts.repeat, "repeat", 1, "Number of rounds")
	flags.DurationVar(&opts.interval, "interval", 0, "Pause between rounds")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runFetch(cmd *cobra.Command, opts *fetchOptions) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.concurrency <= 0 || opts.repeat <= 0 {
		return errors.New("concurrency and repeat must be > 0")
	}

	logger, err := obs.NewLogger(cfg.Log.Level, cfg.Log.Console)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	desc, err := buildDescriptor(opts, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewMetrics(cfg.MetricsConfig())
	metricsAddr := opts.metricsAddr
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		shutdown := serveMetrics(metricsAddr, metrics, logger)
		defer shutdown()
	}

	clk := clock.RealClock{}
	store := cache.NewMemoryStore(clk, cfg.Cache.MaxObjectBytes)
	if interval := cfg.SweepInterval(); interval > 0 {
		store.StartSweeper(clk, interval)
	}
	defer store.Stop()

	httpTransport := transport.NewHTTPTransport(cfg.TransportOptions())
	defer httpTransport.CloseIdleConnections()

	var transportCalls atomic.Int64
	counted := transport.TransportFunc(func(ctx context.Context, method string, url string, header map[string]string, body []byte) (*transport.Response, error) {
		transportCalls.Add(1)
		return httpTransport.Issue(ctx, method, url, header, body)
	})

	coord := coordinator.New(counted,
		coordinator.WithCache(cache.NewCache(store, cache.NewRegistry(cfg.Registry.MaxFlights))),
		coordinator.WithClock(clk),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(metrics),
		coordinator.WithTracer(otel.Tracer(obs.TracerName)),
	)

	out := cmd.OutOrStdout()
	var failures atomic.Int64
	for round := 1; round <= opts.repeat; round++ {
		if err := fetchRound(ctx, coord, desc, round, opts.concurrency, out, &failures); err != nil {
			return err
		}
		if opts.interval > 0 && round < opts.repeat {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interval):
			}
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := coord.Drain(drainCtx); err != nil {
		logger.Warn("transport calls still running at exit", zap.Error(err))
	}

	total := opts.concurrency * opts.repeat
	fmt.Fprintf(out, "calls=%d transport_calls=%d failures=%d\n", total, transportCalls.Load(), failures.Load())
	return nil
}

func fetchRound(ctx context.Context, coord *coordinator.Coordinator, desc *request.Descriptor, round int, concurrency int, out io.Writer, failures *atomic.Int64) error {
	lines := make([]string, concurrency)
	group, groupCtx := errgroup.WithContext(ctx)
	for caller := 0; caller < concurrency; caller++ {
		caller := caller
		group.Go(func() error {
			started := time.Now()
			body, err := coord.Call(groupCtx, desc)
			elapsed := time.Since(started).Round(time.Microsecond)
			switch {
			case errors.Is(err, context.Canceled):
				return err
			case err != nil:
				failures.Add(1)
				lines[caller] = fmt.Sprintf("round=%d caller=%d error=%q elapsed=%s", round, caller, err.Error(), elapsed)
			default:
				lines[caller] = fmt.Sprintf("round=%d caller=%d bytes=%d elapsed=%s", round, caller, len(body), elapsed)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Fprintln(out, line)
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func buildDescriptor(opts *fetchOptions, cfg *config.Config) (*request.Descriptor, error) {
	method, err := request.ParseMethod(opts.method)
	if err != nil {
		return nil, err
	}
	headers, err := parseHeaders(opts.headers)
	if err != nil {
		return nil, err
	}
	ttl := opts.ttl
	if ttl == 0 {
		ttl = cfg.DefaultTTL()
	}
	builder := request.NewBuilder(opts.url, method).
		SetHeaders(headers).
		SetCacheTTL(ttl).
		SetIgnoreCache(opts.ignoreCache)
	if opts.body != "" {
		builder.SetBody([]byte(opts.body))
	}
	return builder.Build()
}

func parseHeaders(values []string) (map[string]string, error) {
	headers := make(map[string]string, len(values))
	for _, value := range values {
		name, val, ok := strings.Cut(value, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("header %q: want name=value", value)
		}
		headers[name] = val
	}
	return headers, nil
}

func serveMetrics(addr string, metrics *obs.Metrics, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
