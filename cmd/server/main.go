// Package main is the entry point for the flagedge server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Open the cache tier: PostgreSQL (optionally migrating it) or a remote
//     gRPC cache tier.
//  3. Build the request orchestrator and the streaming fan-out, and start
//     consuming the cache tier's update feed.
//  4. Start the HTTP server (:8080), the gRPC health server (:9090) and, when
//     configured, a tailnet-only ops listener.
//  5. Wait for SIGINT/SIGTERM, close every stream, then shut the servers down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/matt-riley/flagedge/internal/cachetier"
	"github.com/matt-riley/flagedge/internal/config"
	"github.com/matt-riley/flagedge/internal/logging"
	"github.com/matt-riley/flagedge/internal/metrics"
	"github.com/matt-riley/flagedge/internal/middleware"
	"github.com/matt-riley/flagedge/internal/repository"
	"github.com/matt-riley/flagedge/internal/server"
	"github.com/matt-riley/flagedge/internal/service"
	"github.com/matt-riley/flagedge/internal/stream"
	"github.com/matt-riley/flagedge/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

// cacheBackend is what the edge needs from a cache tier.
type cacheBackend interface {
	service.CacheTier
	stream.UpdateSubscriber
	server.Prober
}

var (
	_ cacheBackend = (*repository.PostgresCacheTier)(nil)
	_ cacheBackend = (*cachetier.Client)(nil)
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	traceCfg, err := tracing.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("load tracing config: %w", err)
	}
	shutdownTracer, err := tracing.Init(context.Background(), traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	backend, closeBackend, err := openBackend(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	orchestrator := service.New(backend,
		service.WithLogger(log),
		service.WithFetchTimeout(cfg.FetchTimeout),
		service.WithFetchConcurrency(cfg.FetchPoolSize),
		service.WithRequestMetrics(m.IncInflight, m.DecInflight, m.RecordFetch),
	)
	defer orchestrator.Close()

	fanout, err := stream.New(orchestrator,
		stream.WithLogger(log),
		stream.WithMaximumEnvironments(cfg.MaximumEnvironments),
		stream.WithPoolSizes(cfg.ListenPoolSize, cfg.UpdatePoolSize),
		stream.WithHooks(fanoutHooks(m)),
	)
	if err != nil {
		return fmt.Errorf("init stream fanout: %w", err)
	}
	if err := fanout.Consume(ctx, backend); err != nil {
		fanout.Shutdown()
		return fmt.Errorf("consume cache tier updates: %w", err)
	}

	throttle := middleware.NewInvalidKeyThrottle(ctx, cfg.InvalidKeyRateLimit)
	defer throttle.Stop()

	apiHandler := server.NewHTTPHandler(orchestrator, fanout, m,
		server.WithHTTPLogger(log),
		server.WithProber(backend),
		server.WithInvalidKeyThrottle(throttle),
		server.WithStreamTimers(cfg.SSEDropAfter, cfg.SSEHeartbeatInterval),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(newHTTPHandler(apiHandler, log), "flagedge-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	healthServer := health.NewServer()
	grpcServer := server.NewGRPCServer(m, log, healthServer)
	go server.NewHealthReporter(healthServer, backend, 0, log).Run(ctx)

	// -------------------------------------------------------------------------
	// Ops listener (Tailscale)
	// -------------------------------------------------------------------------
	var tsServer *tsnet.Server

	if cfg.AdminHostname != "" {
		if cfg.TSAuthKey == "" {
			fanout.Shutdown()
			return errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
		}

		dir := cfg.TSStateDir
		if err := os.MkdirAll(dir, 0700); err != nil {
			fanout.Shutdown()
			return fmt.Errorf("create ts-state dir: %w", err)
		}

		tsServer = &tsnet.Server{
			Hostname: cfg.AdminHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      dir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}

		opsLis, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			fanout.Shutdown()
			return fmt.Errorf("listen tailnet: %w", err)
		}
		log.Info("ops listener started", "hostname", cfg.AdminHostname, "transport", "tailscale")

		opsServer := &http.Server{Handler: newOpsHandler(apiHandler), ReadHeaderTimeout: httpReadHeaderTimeout}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := opsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops server shutdown error", "error", err)
			}
		}()
		go func() {
			if err := opsServer.Serve(opsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops server error", "error", err)
			}
		}()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		fanout.Shutdown()
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		fanout.Shutdown()
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 2)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"cache_backend", cfg.CacheBackend,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	// Streams never finish on their own; say bye to them first so the HTTP
	// server can drain.
	fanout.Shutdown()

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// openBackend connects the configured cache tier. The returned func releases
// it and is safe to defer.
func openBackend(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *slog.Logger) (cacheBackend, func(), error) {
	switch cfg.CacheBackend {
	case config.BackendGRPC:
		client, err := cachetier.Dial(cachetier.Config{Address: cfg.CacheTierAddr, Token: cfg.CacheTierToken})
		if err != nil {
			return nil, nil, err
		}
		log.Info("using gRPC cache tier", "addr", cfg.CacheTierAddr)
		return client, func() {
			if err := client.Close(); err != nil {
				log.Warn("close cache tier client", "error", err)
			}
		}, nil

	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)

		if cfg.RunMigrations {
			if err := runMigrations(ctx, pool, log); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}

		tier := repository.NewPostgresCacheTier(pool)
		return tier, pool.Close, nil
	}
}

func fanoutHooks(m *metrics.Metrics) stream.Hooks {
	return stream.Hooks{
		EnvironmentAdded:   m.StreamedEnvironments.Inc,
		EnvironmentRemoved: m.StreamedEnvironments.Dec,
		ConnectionAdded:    m.StreamConnections.Inc,
		ConnectionRemoved:  m.StreamConnections.Dec,
		EnvironmentEvicted: m.RecordEviction,
	}
}

// newHTTPHandler adds request logging; probes and scrapes log at debug.
func newHTTPHandler(apiHandler http.Handler, log *slog.Logger) http.Handler {
	return middleware.HTTPRequestLogging(log, "/healthz", "/metrics")(apiHandler)
}

// newOpsHandler exposes only the operational endpoints of apiHandler.
func newOpsHandler(apiHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)
	mux.Handle("GET /status", apiHandler)
	return mux
}
