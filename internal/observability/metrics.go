// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package observability owns the Prometheus metrics registry and the
// OpenTelemetry tracer provider. Everything here is process-global:
// Init is called once from the composition root and the resulting
// Telemetry handle is threaded into the services that record metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// Metrics bundles every instrument the backend records. Instruments are
// registered against a private registry so tests can build independent
// instances without collector collisions.
type Metrics struct {
	// Queue.
	QueueDepth       *prometheus.GaugeVec   // project_id, priority
	QueueRunning     *prometheus.GaugeVec   // project_id
	QueueWaitSeconds prometheus.Histogram   // time from enqueue to start
	TasksTotal       *prometheus.CounterVec // outcome: completed|failed|cancelled|timeout
	TaskSeconds      *prometheus.HistogramVec

	// Analysis.
	AnalysisJobsTotal    *prometheus.CounterVec // state: completed|partial|failed|cancelled
	AnalysisTypeSeconds  *prometheus.HistogramVec
	AnalysisDegradations prometheus.Counter

	// Workflow steps.
	StepSeconds  *prometheus.HistogramVec
	StepFailures *prometheus.CounterVec // step, reason

	// Event bus and WebSocket fan-out.
	EventsPublished  *prometheus.CounterVec // topic
	ConnectedClients prometheus.Gauge
}

// NewMetrics builds the full instrument set on a fresh registry.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	m := &Metrics{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queued items per project and priority band.",
		}, []string{"project_id", "priority"}),
		QueueRunning: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "running",
			Help:      "Items currently executing per project.",
		}, []string{"project_id"}),
		QueueWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "wait_seconds",
			Help:      "Seconds between enqueue and execution start.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Finished tasks by outcome.",
		}, []string{"outcome"}),
		TaskSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "task_seconds",
			Help:      "Task execution duration by workflow.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"workflow"}),

		AnalysisJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "jobs_total",
			Help:      "Finished analysis jobs by terminal state.",
		}, []string{"state"}),
		AnalysisTypeSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "type_seconds",
			Help:      "Per-type analysis duration.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"type"}),
		AnalysisDegradations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "degradations_total",
			Help:      "Times memory pressure forced a degradation step.",
		}),

		StepSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_seconds",
			Help:      "Workflow step duration by step key.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"step"}),
		StepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_failures_total",
			Help:      "Step failures by step key and reason.",
		}, []string{"step", "reason"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published by topic.",
		}, []string{"topic"}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connected_clients",
			Help:      "WebSocket clients currently registered.",
		}),
	}

	return m, registry
}

// Handler serves the registry in Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
