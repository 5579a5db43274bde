// Package observe provides application-wide observability primitives for
// VerseCast: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all VerseCast metrics.
const meterName = "github.com/versecast/versecast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the streaming-session connect handshake,
	// credential mint through configuration acknowledgement.
	ConnectDuration metric.Float64Histogram

	// SanitizeDuration tracks remote JSON repair latency.
	SanitizeDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts encoded audio frames sent upstream.
	AudioFrames metric.Int64Counter

	// Detections counts scripture detections. Use with attribute:
	//   attribute.String("outcome", ...)  // "delivered", "filtered", "dropped"
	Detections metric.Int64Counter

	// Repairs counts payload repairs by method. Use with attribute:
	//   attribute.String("method", ...)  // "local", "remote"
	Repairs metric.Int64Counter

	// HubMessages counts hub fan-out deliveries. Use with attribute:
	//   attribute.String("type", ...)
	HubMessages metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected hub participants
	// across all sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime-pipeline latencies.
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
	if met.ConnectDuration, err = m.Float64Histogram("versecast.session.connect.duration",
		metric.WithDescription("Latency of the streaming-session connect handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SanitizeDuration, err = m.Float64Histogram("versecast.sanitize.duration",
		metric.WithDescription("Latency of remote JSON payload repair."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioFrames, err = m.Int64Counter("versecast.audio.frames",
		metric.WithDescription("Total encoded audio frames sent upstream."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("versecast.detections",
		metric.WithDescription("Total scripture detections by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Repairs, err = m.Int64Counter("versecast.repairs",
		metric.WithDescription("Total payload repairs by method."),
	); err != nil {
		return nil, err
	}
	if met.HubMessages, err = m.Int64Counter("versecast.hub.messages",
		metric.WithDescription("Total hub fan-out deliveries by message type."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("versecast.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("versecast.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("versecast.active_participants",
		metric.WithDescription("Number of connected hub participants across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("versecast.http.request.duration",
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

// RecordDetection records a detection counter increment with its outcome.
func (m *Metrics) RecordDetection(ctx context.Context, outcome string) {
	m.Detections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRepair records a payload repair counter increment with its method.
func (m *Metrics) RecordRepair(ctx context.Context, method string) {
	m.Repairs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("method", method)),
	)
}

// RecordHubMessage records a hub delivery counter increment.
func (m *Metrics) RecordHubMessage(ctx context.Context, msgType string) {
	m.HubMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
