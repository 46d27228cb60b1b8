// Package metrics provides Prometheus instrumentation for the edge server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only edge metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Connection lifetimes run from milliseconds (polls) to hours (streams).
var connectionBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600, 1800, 3600}

// Metrics holds all Prometheus collectors used by the edge server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	InflightRequests     prometheus.Gauge
	BackendFetchesTotal  *prometheus.CounterVec
	StreamedEnvironments prometheus.Gauge
	StreamConnections    prometheus.Gauge
	EnvironmentEvictions *prometheus.CounterVec
	HitsTotal            *prometheus.CounterVec
	PollDuration         prometheus.Histogram
	StreamDuration       prometheus.Histogram
	InvalidKeysTotal     prometheus.Counter
}

// New creates and registers all edge metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		InflightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_get_inflight_requests",
			Help: "Number of feature requests waiting on the cache tier.",
		}),

		BackendFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_backend_fetches_total",
			Help: "Total number of cache tier fetches by result.",
		}, []string{"result"}),

		StreamedEnvironments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_envs_sse_listeners",
			Help: "Number of environments with streaming listeners.",
		}),

		StreamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_sse_listeners",
			Help: "Number of registered streaming connections.",
		}),

		EnvironmentEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_env_evictions_total",
			Help: "Total number of environments evicted from the streaming table.",
		}, []string{"with_connections"}),

		HitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_hits_total",
			Help: "Total number of per-environment answers by source and result.",
		}, []string{"source", "result"}),

		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_conn_length_poll",
			Help:    "Duration of polling requests in seconds.",
			Buckets: connectionBuckets,
		}),

		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_conn_length_sse",
			Help:    "Lifetime of streaming connections in seconds.",
			Buckets: connectionBuckets,
		}),

		InvalidKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_invalid_keys_total",
			Help: "Total number of requests naming no usable API key.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.InflightRequests,
		m.BackendFetchesTotal,
		m.StreamedEnvironments,
		m.StreamConnections,
		m.EnvironmentEvictions,
		m.HitsTotal,
		m.PollDuration,
		m.StreamDuration,
		m.InvalidKeysTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count and latency for each method.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// ObserveHTTP records one completed HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, statusCode int, elapsed time.Duration) {
	code := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

func (m *Metrics) IncInflight() {
	m.InflightRequests.Inc()
}

func (m *Metrics) DecInflight() {
	m.InflightRequests.Dec()
}

func (m *Metrics) RecordFetch(result string) {
	m.BackendFetchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordEviction(withConnections bool) {
	m.EnvironmentEvictions.WithLabelValues(strconv.FormatBool(withConnections)).Inc()
}

// RecordHit counts one environment answered through source ("poll" or "sse").
func (m *Metrics) RecordHit(source, result string) {
	m.HitsTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) ObservePoll(elapsed time.Duration) {
	m.PollDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveStream(elapsed time.Duration) {
	m.StreamDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) IncInvalidKeys() {
	m.InvalidKeysTotal.Inc()
}
