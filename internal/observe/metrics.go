// Package observe provides application-wide observability primitives for the
// narrator: OpenTelemetry metrics, distributed tracing, trace-aware logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all narrator metrics.
const meterName = "github.com/MrWong99/narrator"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TTSDuration tracks text-to-speech synthesis latency (cache misses only).
	TTSDuration metric.Float64Histogram

	// PlaybackDuration tracks how long a clip occupied the voice connection.
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CacheLookups counts clip cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// NarrationRequests counts inbound chat messages by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	NarrationRequests metric.Int64Counter

	// Clips counts clips by final outcome. Use with attribute:
	//   attribute.String("outcome", "played"|"failed"|"timeout"|"rejected")
	Clips metric.Int64Counter

	// Earcons counts earcon plays.
	Earcons metric.Int64Counter

	// Teardowns counts session teardowns. Use with attribute:
	//   attribute.String("reason", ...)
	Teardowns metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of guild sessions holding a voice connection.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// synthesis calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// playbackBuckets covers clip lengths from a short earcon to the clip timeout.
var playbackBuckets = []float64{
	0.25, 0.5, 1, 2, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TTSDuration, err = m.Float64Histogram("narrator.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("narrator.playback.duration",
		metric.WithDescription("Wall time a clip spent playing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("narrator.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("narrator.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("narrator.cache.lookups",
		metric.WithDescription("Clip cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.NarrationRequests, err = m.Int64Counter("narrator.requests",
		metric.WithDescription("Inbound chat messages by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Clips, err = m.Int64Counter("narrator.clips",
		metric.WithDescription("Clips by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Earcons, err = m.Int64Counter("narrator.earcons",
		metric.WithDescription("Earcon plays."),
	); err != nil {
		return nil, err
	}
	if met.Teardowns, err = m.Int64Counter("narrator.session.teardowns",
		metric.WithDescription("Guild session teardowns by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("narrator.active_sessions",
		metric.WithDescription("Number of guild sessions holding a voice connection."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("narrator.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRequest records the outcome of an inbound chat message.
func (m *Metrics) RecordRequest(ctx context.Context, outcome string) {
	m.NarrationRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordClip records the outcome of a clip.
func (m *Metrics) RecordClip(ctx context.Context, outcome string) {
	m.Clips.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTeardown records a session teardown.
func (m *Metrics) RecordTeardown(ctx context.Context, reason string) {
	m.Teardowns.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
