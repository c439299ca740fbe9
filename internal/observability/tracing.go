// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/noldarim/conductor/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("telemetry")
		log = &l
	})
	return log
}

// Config mirrors the telemetry section of the application config. The
// composition root maps config.TelemetryConfig onto it.
type Config struct {
	ServiceName    string
	ServiceVersion string
	MetricsEnabled bool
	TracingEnabled bool
	OTLPEndpoint   string
	SampleRate     float64
}

// Telemetry holds the process-wide metrics registry and tracer
// provider. Shutdown flushes pending spans.
type Telemetry struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	tracerProvider *sdktrace.TracerProvider
	metricsEnabled bool
}

// Init builds the metrics set and, when enabled, installs an OTLP/HTTP
// tracer provider as the global OTel provider. With tracing disabled
// the global provider is a no-op so instrumented code needs no guards.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	metrics, registry := NewMetrics()

	t := &Telemetry{
		Metrics:        metrics,
		registry:       registry,
		metricsEnabled: cfg.MetricsEnabled,
	}

	if !cfg.TracingEnabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return t, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	otel.SetTracerProvider(t.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	getLog().Info().
		Str("endpoint", cfg.OTLPEndpoint).
		Float64("sample_rate", sampleRate).
		Msg("Tracing enabled")

	return t, nil
}

// MetricsHandler returns the scrape handler, or nil when metrics are
// disabled so the server skips the route.
func (t *Telemetry) MetricsHandler() http.Handler {
	if !t.metricsEnabled {
		return nil
	}
	return Handler(t.registry)
}

// Shutdown flushes the tracer provider. Safe to call when tracing was
// never enabled.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
