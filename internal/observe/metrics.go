// Package observe provides application-wide observability primitives for
// Voxweave: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voxweave metrics.
const meterName = "github.com/voxweave/voxweave"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks per-segment text-to-speech latency.
	SynthesisDuration metric.Float64Histogram

	// AnalysisDuration tracks per-segment quality-analysis latency.
	AnalysisDuration metric.Float64Histogram

	// EngineStartDuration tracks engine cold-start time, from port
	// allocation to first healthy response.
	EngineStartDuration metric.Float64Histogram

	// --- Counters ---

	// JobsFinished counts terminal jobs. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	JobsFinished metric.Int64Counter

	// SegmentsProcessed counts per-segment outcomes. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	SegmentsProcessed metric.Int64Counter

	// EngineStarts counts engine launches. Use with attributes:
	//   attribute.String("variant", ...), attribute.String("status", ...)
	EngineStarts metric.Int64Counter

	// EngineRestarts counts mid-job engine restarts triggered by the
	// retry policy.
	EngineRestarts metric.Int64Counter

	// BusEvictions counts slow event-stream clients dropped by the bus.
	BusEvictions metric.Int64Counter

	// --- Gauges ---

	// RunningEngines tracks the number of currently running engine servers.
	RunningEngines metric.Int64UpDownCounter

	// BusSubscribers tracks the number of connected event-stream clients.
	BusSubscribers metric.Int64UpDownCounter

	// QueueDepth tracks pending jobs per kind. Use with attribute:
	//   attribute.String("kind", ...)
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Synthesis
// of a long segment can legitimately take minutes, so the tail is long.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("voxweave.synthesis.duration",
		metric.WithDescription("Per-segment text-to-speech synthesis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("voxweave.analysis.duration",
		metric.WithDescription("Per-segment quality analysis latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineStartDuration, err = m.Float64Histogram("voxweave.engine.start.duration",
		metric.WithDescription("Engine cold-start time until first healthy response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsFinished, err = m.Int64Counter("voxweave.jobs.finished",
		metric.WithDescription("Total terminal jobs by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsProcessed, err = m.Int64Counter("voxweave.segments.processed",
		metric.WithDescription("Total per-segment outcomes by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.EngineStarts, err = m.Int64Counter("voxweave.engine.starts",
		metric.WithDescription("Total engine launches by variant and status."),
	); err != nil {
		return nil, err
	}
	if met.EngineRestarts, err = m.Int64Counter("voxweave.engine.restarts",
		metric.WithDescription("Total mid-job engine restarts triggered by server errors."),
	); err != nil {
		return nil, err
	}
	if met.BusEvictions, err = m.Int64Counter("voxweave.bus.evictions",
		metric.WithDescription("Total event-stream clients evicted for falling behind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RunningEngines, err = m.Int64UpDownCounter("voxweave.engines.running",
		metric.WithDescription("Number of currently running engine servers."),
	); err != nil {
		return nil, err
	}
	if met.BusSubscribers, err = m.Int64UpDownCounter("voxweave.bus.subscribers",
		metric.WithDescription("Number of connected event-stream clients."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("voxweave.jobs.pending",
		metric.WithDescription("Pending jobs per kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxweave.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordJobFinished records one terminal job with the standard attribute set.
func (m *Metrics) RecordJobFinished(ctx context.Context, kind, status string) {
	m.JobsFinished.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordSegment records one per-segment outcome with its processing time.
func (m *Metrics) RecordSegment(ctx context.Context, kind, status string, d time.Duration) {
	m.SegmentsProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	hist := m.SynthesisDuration
	if kind == "analysis" {
		hist = m.AnalysisDuration
	}
	hist.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEngineRestart counts one retry-driven engine restart.
func (m *Metrics) RecordEngineRestart(ctx context.Context, variant string) {
	m.EngineRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("variant", variant)),
	)
}

// RecordBusEviction counts one slow client dropped from the event stream.
func (m *Metrics) RecordBusEviction(ctx context.Context) {
	m.BusEvictions.Add(ctx, 1)
}

// EngineRunning moves the running-engines gauge.
func (m *Metrics) EngineRunning(ctx context.Context, delta int64) {
	m.RunningEngines.Add(ctx, delta)
}

// JobQueued moves the pending-jobs gauge for one kind.
func (m *Metrics) JobQueued(ctx context.Context, kind string, delta int64) {
	m.QueueDepth.Add(ctx, delta,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordEngineStart records one engine launch attempt.
func (m *Metrics) RecordEngineStart(ctx context.Context, variant, status string, d time.Duration) {
	m.EngineStarts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("variant", variant),
			attribute.String("status", status),
		),
	)
	if status == "ok" {
		m.EngineStartDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("variant", variant)),
		)
	}
}
