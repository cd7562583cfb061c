// Package observe provides application-wide observability primitives for
// vocalid: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all vocalid metrics.
const meterName = "github.com/MrWong99/vocalid"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ExtractionDuration tracks embedding extraction latency, including
	// media path resolution and decoding.
	ExtractionDuration metric.Float64Histogram

	// IdentifyDuration tracks nearest-neighbour identification latency.
	IdentifyDuration metric.Float64Histogram

	// ClusterDuration tracks the latency of clustering a run.
	ClusterDuration metric.Float64Histogram

	// ReconcileDuration tracks the latency of a full reconciliation pass.
	ReconcileDuration metric.Float64Histogram

	// --- Counters ---

	// Extractions counts embedding extractions. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Extractions metric.Int64Counter

	// Identifications counts identification attempts. Use with attribute:
	//   attribute.String("outcome", "matched"|"unknown")
	Identifications metric.Int64Counter

	// Confirmations counts speaker assignments. Use with attribute:
	//   attribute.String("mode", "segment"|"cluster"|"auto")
	Confirmations metric.Int64Counter

	// ReconcileSegments counts per-segment reconciliation outcomes. Use with
	// attribute:
	//   attribute.String("action", "extracted"|"repaired"|"skipped"|"failed")
	ReconcileSegments metric.Int64Counter

	// --- Gauges ---

	// ExtractionQueueDepth tracks requests waiting for the extraction queue.
	ExtractionQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Extraction
// dominates the upper buckets because it reads and decodes media.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExtractionDuration, err = m.Float64Histogram("vocalid.extraction.duration",
		metric.WithDescription("Latency of voiceprint embedding extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IdentifyDuration, err = m.Float64Histogram("vocalid.identify.duration",
		metric.WithDescription("Latency of nearest-neighbour speaker identification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClusterDuration, err = m.Float64Histogram("vocalid.cluster.duration",
		metric.WithDescription("Latency of clustering a run's unknown voices."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReconcileDuration, err = m.Float64Histogram("vocalid.reconcile.duration",
		metric.WithDescription("Latency of a reconciliation pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Extractions, err = m.Int64Counter("vocalid.extractions",
		metric.WithDescription("Total embedding extractions by status."),
	); err != nil {
		return nil, err
	}
	if met.Identifications, err = m.Int64Counter("vocalid.identifications",
		metric.WithDescription("Total identification attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Confirmations, err = m.Int64Counter("vocalid.confirmations",
		metric.WithDescription("Total speaker assignments by mode."),
	); err != nil {
		return nil, err
	}
	if met.ReconcileSegments, err = m.Int64Counter("vocalid.reconcile.segments",
		metric.WithDescription("Total reconciled segments by action."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ExtractionQueueDepth, err = m.Int64UpDownCounter("vocalid.extraction.queue_depth",
		metric.WithDescription("Requests waiting for the extraction queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalid.http.request.duration",
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

// RecordExtraction records one extraction with its status ("ok" or "error").
func (m *Metrics) RecordExtraction(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Extractions.Add(ctx, 1, attrs)
	m.ExtractionDuration.Record(ctx, seconds, attrs)
}

// RecordIdentification records one identification attempt with its outcome
// ("matched" or "unknown").
func (m *Metrics) RecordIdentification(ctx context.Context, outcome string, seconds float64) {
	m.Identifications.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.IdentifyDuration.Record(ctx, seconds)
}

// RecordClusterPass records the latency of clustering one run.
func (m *Metrics) RecordClusterPass(ctx context.Context, seconds float64) {
	m.ClusterDuration.Record(ctx, seconds)
}

// RecordReconcilePass records the latency of one reconciliation pass.
func (m *Metrics) RecordReconcilePass(ctx context.Context, seconds float64) {
	m.ReconcileDuration.Record(ctx, seconds)
}

// AddQueueDepth moves the extraction queue depth gauge by delta.
func (m *Metrics) AddQueueDepth(ctx context.Context, delta int64) {
	m.ExtractionQueueDepth.Add(ctx, delta)
}

// RecordConfirmation records one speaker assignment with its mode
// ("segment", "cluster" or "auto").
func (m *Metrics) RecordConfirmation(ctx context.Context, mode string) {
	m.Confirmations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordReconcileSegment records one per-segment reconciliation outcome.
func (m *Metrics) RecordReconcileSegment(ctx context.Context, action string) {
	m.ReconcileSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}
