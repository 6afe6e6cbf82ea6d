// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionsStarted counts explicit start requests that opened an engine.
	SessionsStarted metric.Int64Counter

	// SessionsStopped counts sessions that reached Stopped. Use with attribute:
	//   attribute.String("reason", ...)
	SessionsStopped metric.Int64Counter

	// SessionDuration tracks wall time from start to stop.
	SessionDuration metric.Float64Histogram

	// ActiveSessions is 1 while a session is listening, 0 otherwise.
	ActiveSessions metric.Int64UpDownCounter

	// SilenceTimeouts counts sessions ended by the silence timer.
	SilenceTimeouts metric.Int64Counter

	// --- Engine ---

	// EngineRestarts counts internal re-opens in continuous mode.
	EngineRestarts metric.Int64Counter

	// EngineErrors counts engine error callbacks. Use with attributes:
	//   attribute.String("code", ...), attribute.String("class", ...)
	EngineErrors metric.Int64Counter

	// EngineOpenDuration tracks how long Engine.Open takes.
	EngineOpenDuration metric.Float64Histogram

	// --- Notifications ---

	// EventsEmitted counts gateway events. Use with attribute:
	//   attribute.String("event", ...)
	EventsEmitted metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for engine
// round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers utterances up to several minutes of continuous mode.
var sessionBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.SessionsStarted, err = m.Int64Counter("earshot.sessions.started",
		metric.WithDescription("Total listening sessions started."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStopped, err = m.Int64Counter("earshot.sessions.stopped",
		metric.WithDescription("Total listening sessions stopped by reason."),
	); err != nil {
		return nil, err
	}
	if met.SilenceTimeouts, err = m.Int64Counter("earshot.silence_timeouts",
		metric.WithDescription("Total sessions ended by the silence timer."),
	); err != nil {
		return nil, err
	}
	if met.EngineRestarts, err = m.Int64Counter("earshot.engine.restarts",
		metric.WithDescription("Total internal engine re-opens in continuous mode."),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("earshot.engine.errors",
		metric.WithDescription("Total engine errors by code and class."),
	); err != nil {
		return nil, err
	}
	if met.EventsEmitted, err = m.Int64Counter("earshot.events.emitted",
		metric.WithDescription("Total notifications emitted by event name."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("earshot.session.duration",
		metric.WithDescription("Duration of listening sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineOpenDuration, err = m.Float64Histogram("earshot.engine.open.duration",
		metric.WithDescription("Latency of opening an engine handle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of listening sessions with a running engine."),
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

// RecordSessionStopped records a stopped session with its reason and
// duration in seconds.
func (m *Metrics) RecordSessionStopped(ctx context.Context, reason string, seconds float64) {
	m.SessionsStopped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.SessionDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEngineError records an engine error with its numeric code and class.
func (m *Metrics) RecordEngineError(ctx context.Context, code int, class string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("code", strconv.Itoa(code)),
			attribute.String("class", class),
		),
	)
}

// RecordEvent records one emitted notification.
func (m *Metrics) RecordEvent(ctx context.Context, event string) {
	m.EventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}
