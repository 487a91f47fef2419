package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	lahttp "github.com/Strob0t/LiveAuction/internal/adapter/http"
	laotel "github.com/Strob0t/LiveAuction/internal/adapter/otel"
	"github.com/Strob0t/LiveAuction/internal/adapter/ws"
	"github.com/Strob0t/LiveAuction/internal/config"
	"github.com/Strob0t/LiveAuction/internal/logger"
	"github.com/Strob0t/LiveAuction/internal/middleware"
	"github.com/Strob0t/LiveAuction/internal/resilience"
	"github.com/Strob0t/LiveAuction/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"source", cfg.Source.Driver,
		"feed_mode", cfg.Feed.Mode,
		"shared", cfg.Registry.Shared,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	otelShutdown, err := laotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := laotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Upstream ---
	up, err := openUpstream(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer up.close()

	// --- Bridge ---
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
		resilience.WithFailurePredicate(service.UpstreamFailure),
		resilience.WithStateChange(func(from, to resilience.State) {
			slog.Warn("upstream breaker state changed", "from", from.String(), "to", to.String())
		}),
	)
	bridge, err := service.NewBridge(up.source, service.BridgeConfig{
		Session: service.SessionConfig{
			SendBuffer:   cfg.Session.SendBuffer,
			WriteTimeout: cfg.Session.WriteTimeout,
			PingInterval: cfg.Session.PingInterval,
		},
		Shared: cfg.Registry.Shared,
	}, service.WithLogger(log), service.WithMetrics(metrics), service.WithBreaker(breaker))
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	limiter.OnReject(func(r *http.Request) {
		metrics.ConnectionsRejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", "rate_limited")))
	})
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()
	connCap := middleware.NewConnLimiter(cfg.Server.MaxConnections)
	connCap.OnReject(func(r *http.Request) {
		metrics.ConnectionsRejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", "capacity")))
	})
	admit := func(next http.Handler) http.Handler {
		return limiter.Handler(connCap.Handler(next))
	}

	streams := ws.NewHandler(bridge, ws.Options{
		OriginPatterns: cfg.Server.OriginPatterns,
		ReadLimit:      cfg.Server.ReadLimit,
		CloseGrace:     cfg.Session.CloseGrace,
	})
	handlers := &lahttp.Handlers{Bridge: bridge, Checks: up.checks}

	r := chi.NewRouter()
	r.Use(laotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(lahttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(lahttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(laotel.RouteSpanName)
	lahttp.MountRoutes(r, handlers, streams, admit)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting upgrades first; hijacked connections are not tracked by
	// http.Server, so the bridge closes them itself.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge shutdown: %w", err)
	}
	return nil
}
