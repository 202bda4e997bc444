// Package observability provides Prometheus metrics for the ETL pipeline.
//
// The pipeline is a one-shot process, so metrics are pushed to a Pushgateway
// at the end of a run instead of being scraped.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "crypto_etl"

// Fetch attempt outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeRetryableError = "retryable_error"
	OutcomeParseError     = "parse_error"
)

// Pipeline run statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Extraction metrics
	FetchAttempts *prometheus.CounterVec
	FetchLatency  *prometheus.HistogramVec

	// Transform metrics
	RecordsTransformed prometheus.Counter
	RecordsRejected    *prometheus.CounterVec

	// Load metrics
	RecordsLoaded prometheus.Counter
	LoadDuration  prometheus.Histogram

	// Pipeline metrics
	PipelineRunsTotal      *prometheus.CounterVec
	PipelineDuration       prometheus.Histogram
	LastSuccessfulPipeline prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on reg.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		FetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "fetch_attempts_total",
			Help:      "Total number of price API request attempts by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		FetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "fetch_latency_seconds",
			Help:      "Latency of a single price API request attempt in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		RecordsTransformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "records_transformed_total",
			Help:      "Total number of raw records mapped to price records",
		}),
		RecordsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "records_rejected_total",
			Help:      "Total number of raw records rejected by missing or invalid field",
		}, []string{"field"}),

		RecordsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "records_loaded_total",
			Help:      "Total number of price records committed to storage",
		}),
		LoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "load",
			Name:      "duration_seconds",
			Help:      "Duration of a bulk load transaction in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		PipelineRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by final stage and status",
		}, []string{"stage", "status"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Pipeline run duration in seconds",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		LastSuccessfulPipeline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_pipeline_timestamp",
			Help:      "Unix timestamp of last successful pipeline run",
		}),
	}
}

// RecordFetchAttempt records one request attempt against endpoint.
func (m *Metrics) RecordFetchAttempt(endpoint, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(endpoint, outcome).Inc()
	m.FetchLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

// RecordTransform records the outcome of one transform pass.
func (m *Metrics) RecordTransform(transformed int, rejectedFields []string) {
	if m == nil {
		return
	}
	m.RecordsTransformed.Add(float64(transformed))
	for _, field := range rejectedFields {
		m.RecordsRejected.WithLabelValues(field).Inc()
	}
}

// RecordLoad records a committed bulk load.
func (m *Metrics) RecordLoad(count int, d time.Duration) {
	if m == nil {
		return
	}
	m.RecordsLoaded.Add(float64(count))
	m.LoadDuration.Observe(d.Seconds())
}

// RecordPipelineRun records a finished run. stage is the last stage reached.
func (m *Metrics) RecordPipelineRun(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelineRunsTotal.WithLabelValues(stage, status).Inc()
	m.PipelineDuration.Observe(d.Seconds())
	if status == StatusSuccess {
		m.LastSuccessfulPipeline.SetToCurrentTime()
	}
}

// Push sends all gathered metrics to a Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
