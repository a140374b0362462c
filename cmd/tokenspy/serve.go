package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/tokenspy"
	"github.com/vnmchuo/tokenspy/internal/gitrev"
	"github.com/vnmchuo/tokenspy/internal/ledger"
	"github.com/vnmchuo/tokenspy/internal/metrics"
	"github.com/vnmchuo/tokenspy/internal/pricing"
	"github.com/vnmchuo/tokenspy/internal/provider"
	"github.com/vnmchuo/tokenspy/internal/provider/anthropic"
	"github.com/vnmchuo/tokenspy/internal/provider/gemini"
	"github.com/vnmchuo/tokenspy/internal/provider/openai"
	"github.com/vnmchuo/tokenspy/internal/proxy"
	"github.com/vnmchuo/tokenspy/internal/telemetry"
	"github.com/vnmchuo/tokenspy/pkg/ratelimit"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serve(ctx context.Context, args []string) int {
	fs := c.flags("serve")
	db := fs.String("db", "", "path to the usage database")
	addr := fs.String("addr", ":"+c.cfg.Port, "listen address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := c.runServer(ctx, *db, *addr); err != nil {
		slog.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func (c *cli) runServer(ctx context.Context, dbPath, addr string) error {
	// 1. Telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		ServiceName:    "tokenspy",
		ServiceVersion: tokenspy.Version,
		ExporterType:   c.cfg.OTELExporterType,
		Endpoint:       c.cfg.OTELExporterEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	// 2. Pricing
	calc := pricing.Default()
	if c.cfg.PricesFile != "" {
		if calc, err = pricing.LoadFile(c.cfg.PricesFile); err != nil {
			return err
		}
	}

	// 3. Durable log and ledger
	store, err := c.cfg.OpenStore(dbPath)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init usage store: %w", err)
	}
	opts := []ledger.Option{ledger.WithWriteTimeout(c.cfg.WriteTimeout)}
	if c.cfg.TrackGit {
		opts = append(opts, ledger.WithRevision(gitrev.CurrentOrEmpty(ctx, "")))
	}
	l := ledger.Open(ctx, store, opts...)
	slog.Info("usage store ready", "store", c.cfg.Store, "records", l.TotalCalls())

	// 4. Observers
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.Seed(l.Records())
	l.AddObserver(collector.Observe)
	l.AddObserver(telemetry.SpanObserver(otel.Tracer(telemetry.TracerName)))

	// 5. Providers
	meter := provider.Meter{Cost: calc.Cost}
	var providers []provider.Provider
	if c.cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(c.cfg.OpenAIAPIKey, openai.WithMeter(meter)))
	}
	if c.cfg.AnthropicAPIKey != "" {
		providers = append(providers, anthropic.New(meter, option.WithAPIKey(c.cfg.AnthropicAPIKey)))
	}
	if c.cfg.GeminiAPIKey != "" {
		providers = append(providers, gemini.New(c.cfg.GeminiAPIKey, gemini.WithMeter(meter)))
	}
	if len(providers) == 0 {
		slog.Warn("no provider API keys configured; completions will return 503")
	}

	// 6. Rate limiting
	var limiter *ratelimit.Limiter
	if c.cfg.RateLimitTPM > 0 {
		rdb := redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		limiter = ratelimit.NewLimiter(rdb, c.cfg.RateLimitTPM)
	}

	// 7. HTTP
	handler := proxy.NewHandler(proxy.NewRouter(providers), l, limiter, otel.Tracer(telemetry.TracerName))
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(metrics.Handler(reg)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("tokenspy gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	return nil
}
