package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matt-riley/flagedge/internal/metrics"
	"github.com/matt-riley/flagedge/internal/middleware"
)

// EdgeServiceName is the name the edge reports under in the gRPC health
// service, alongside the overall "" entry.
const EdgeServiceName = "flagedge.edge.v1.Edge"

const defaultHealthInterval = 5 * time.Second

// NewGRPCServer builds the operational gRPC server: instrumented, logged, and
// serving the standard health service.
func NewGRPCServer(m *metrics.Metrics, logger *slog.Logger, healthServer *health.Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			middleware.UnaryRequestLoggingInterceptor(logger),
			m.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			middleware.StreamRequestLoggingInterceptor(logger),
			m.StreamServerInterceptor(),
		),
	}, opts...)

	server := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

// HealthReporter keeps a health server in step with the cache tier.
type HealthReporter struct {
	health   *health.Server
	prober   Prober
	interval time.Duration
	logger   *slog.Logger
}

func NewHealthReporter(healthServer *health.Server, prober Prober, interval time.Duration, logger *slog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthReporter{
		health:   healthServer,
		prober:   prober,
		interval: interval,
		logger:   logger,
	}
}

// Run probes immediately and then every interval until ctx is done, at which
// point every service is marked NOT_SERVING.
func (r *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.check(ctx)
	for {
		select {
		case <-ctx.Done():
			r.health.Shutdown()
			return
		case <-ticker.C:
			r.check(ctx)
		}
	}
}

func (r *HealthReporter) check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := r.prober.Ping(ctx); err != nil {
		r.logger.Warn("cache tier health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.health.SetServingStatus("", status)
	r.health.SetServingStatus(EdgeServiceName, status)
}
