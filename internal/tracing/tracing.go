// Package tracing wires OpenTelemetry for the edge server. Tracing is enabled
// only when an OTLP endpoint is configured; otherwise [Init] leaves the
// global provider untouched and returns a no-op shutdown function.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const defaultServiceName = "flagedge"

// Config selects where spans go and how many of them are kept.
type Config struct {
	// Endpoint enables tracing when set.
	Endpoint    string
	ServiceName string
	// SampleRatio applies to root spans only; a sampled parent always keeps
	// its children. Values outside (0, 1] are clamped.
	SampleRatio float64
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SERVICE_NAME and
// TRACE_SAMPLE_RATIO. Polling SDKs produce a span per request, so busy nodes
// usually want a ratio well below 1.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		ServiceName: serviceNameFromEnv(),
		SampleRatio: 1,
	}
	if raw := strings.TrimSpace(os.Getenv("TRACE_SAMPLE_RATIO")); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("TRACE_SAMPLE_RATIO must be a number: %w", err)
		}
		cfg.SampleRatio = ratio
	}
	return cfg, nil
}

// Init configures the global tracer provider with an OTLP HTTP exporter and
// W3C trace context propagation, so spans started by the HTTP handlers link
// up with the backend fetch spans and the gRPC cache tier.
//
// The returned function flushes pending spans and should run on shutdown.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, attribute.String("service.instance.id", host))
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	// The exporter reads the OTEL_EXPORTER_OTLP_* variables itself, which
	// keeps the signal path suffix handling in one place.
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}
