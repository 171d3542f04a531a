// Package observe provides process-wide observability primitives for the
// decoder: OpenTelemetry metrics, distributed tracing, and structured
// logging tied to the active span.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so metrics can still be
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

// meterName is the instrumentation scope name used for all decoder metrics.
const meterName = "github.com/msphinx/multisphinx"

// Metrics holds all OpenTelemetry metric instruments for the decoder. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Per-frame timing ---

	// FrameDecodeDuration tracks wall-clock time to evaluate one frame
	// (senone scoring + Viterbi step) in a search pass. Use with
	// attribute.String("pass", "fwdtree"|"fwdflat").
	FrameDecodeDuration metric.Float64Histogram

	// GCDuration tracks bptbl GC pass latency. Use with
	// attribute.String("pass", ...).
	GCDuration metric.Float64Histogram

	// --- bptbl counters/gauges ---

	// RetiredBPs counts bps retired by GC. Use with attribute.String("pass", ...).
	RetiredBPs metric.Int64Counter

	// ActiveBPs tracks the current size of a pass's active bp window.
	ActiveBPs metric.Int64UpDownCounter

	// --- arc buffer gauges ---

	// ArcQueueDepth tracks the number of arcs currently resident in an
	// arc buffer. Use with attribute.String("stage", "fwdtree->fwdflat"|...).
	ArcQueueDepth metric.Int64UpDownCounter

	// ArcsProduced counts arcs appended by a producer sweep.
	ArcsProduced metric.Int64Counter

	// --- lattice counters ---

	// LatticeNodes/LatticeLinks count nodes and links created by latgen
	// for one utterance, recorded at finalization.
	LatticeNodes metric.Int64Histogram
	LatticeLinks metric.Int64Histogram

	// --- errors ---

	// PassErrors counts search-pass failures. Use with
	// attribute.String("pass", ...), attribute.String("reason", ...).
	PassErrors metric.Int64Counter

	// --- utterance lifecycle ---

	// ActiveUtterances tracks the number of utterances currently being
	// decoded concurrently by the search factory.
	ActiveUtterances metric.Int64UpDownCounter

	// UtteranceDuration tracks end-to-end decode latency for one
	// utterance, from StartUtt to the lattice generator's EOU.
	UtteranceDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks debug/metrics server request latency.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// sub-frame and per-utterance timings.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FrameDecodeDuration, err = m.Float64Histogram("multisphinx.frame.decode.duration",
		metric.WithDescription("Latency of one frame's senone scoring and Viterbi step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GCDuration, err = m.Float64Histogram("multisphinx.bptbl.gc.duration",
		metric.WithDescription("Latency of a back-pointer table GC pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.RetiredBPs, err = m.Int64Counter("multisphinx.bptbl.retired_bps",
		metric.WithDescription("Total back-pointers retired by GC."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBPs, err = m.Int64UpDownCounter("multisphinx.bptbl.active_bps",
		metric.WithDescription("Current size of a pass's active back-pointer window."),
	); err != nil {
		return nil, err
	}

	if met.ArcQueueDepth, err = m.Int64UpDownCounter("multisphinx.arcbuffer.queue_depth",
		metric.WithDescription("Number of arcs currently resident in an arc buffer."),
	); err != nil {
		return nil, err
	}
	if met.ArcsProduced, err = m.Int64Counter("multisphinx.arcbuffer.arcs_produced",
		metric.WithDescription("Total arcs appended by producer sweeps."),
	); err != nil {
		return nil, err
	}

	if met.LatticeNodes, err = m.Int64Histogram("multisphinx.lattice.nodes",
		metric.WithDescription("Number of nodes in a finalized lattice."),
	); err != nil {
		return nil, err
	}
	if met.LatticeLinks, err = m.Int64Histogram("multisphinx.lattice.links",
		metric.WithDescription("Number of links in a finalized lattice."),
	); err != nil {
		return nil, err
	}

	if met.PassErrors, err = m.Int64Counter("multisphinx.pass.errors",
		metric.WithDescription("Total search pass failures by pass and reason."),
	); err != nil {
		return nil, err
	}

	if met.ActiveUtterances, err = m.Int64UpDownCounter("multisphinx.utterances.active",
		metric.WithDescription("Number of utterances currently being decoded."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("multisphinx.utterance.duration",
		metric.WithDescription("End-to-end decode latency for one utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("multisphinx.http.request.duration",
		metric.WithDescription("Debug/metrics server request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen
// with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordPassError is a convenience method that records a pass error
// counter increment with the standard attribute set.
func (m *Metrics) RecordPassError(ctx context.Context, pass, reason string) {
	m.PassErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("pass", pass),
			attribute.String("reason", reason),
		),
	)
}

// RecordRetiredBPs is a convenience method that adds n to the retired-bp
// counter for pass.
func (m *Metrics) RecordRetiredBPs(ctx context.Context, pass string, n int64) {
	m.RetiredBPs.Add(ctx, n, metric.WithAttributes(attribute.String("pass", pass)))
}
