// Package observe holds Krishi Mitra's telemetry: OpenTelemetry metric
// instruments, tracing helpers, trace-aware logging and the HTTP middleware.
//
// Instruments are created once through [NewMetrics]. The process uses
// [DefaultMetrics], bound to the global meter provider that [InitProvider]
// installs with a Prometheus exporter behind /metrics.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/farmgpt/krishimitra/pkg/types"
)

// meterName is the instrumentation scope name used for all Krishi Mitra
// metrics.
const meterName = "github.com/farmgpt/krishimitra"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// QueryDuration tracks the AI round trip of one question. Use with
	// attributes:
	//   attribute.String("lang", ...), attribute.String("outcome", ...)
	QueryDuration metric.Float64Histogram

	// STTDuration tracks how long opening a recognition stream takes.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks how long starting a synthesis stream takes.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Answers counts assistant turns by confidence. Use with attributes:
	//   attribute.String("lang", ...), attribute.String("confidence", ...)
	Answers metric.Int64Counter

	// StateTransitions counts orchestrator state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// WatchdogFires counts listening periods ended by the silence watchdog.
	WatchdogFires metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveDialogs tracks the number of open conversation dialogs.
	ActiveDialogs metric.Int64UpDownCounter

	// EventSubscribers tracks the number of connected event stream clients.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// instruments creates instruments on one meter and keeps the first error,
// so NewMetrics reads as a flat list.
type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(LatencyBuckets...),
	)
	in.keep(err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.keep(err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.keep(err)
	return g
}

func (in *instruments) keep(err error) {
	if in.err == nil && err != nil {
		in.err = err
	}
}

// NewMetrics creates every instrument on mp. Tests pass their own provider
// so that readings do not leak between them.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		QueryDuration: in.latency("krishimitra.query.duration", "AI round trip of one farmer question."),
		STTDuration:   in.latency("krishimitra.stt.duration", "Time to open a speech recognition stream."),
		LLMDuration:   in.latency("krishimitra.llm.duration", "Time for one LLM completion."),
		TTSDuration:   in.latency("krishimitra.tts.duration", "Time to start speech synthesis."),

		ProviderRequests:   in.counter("krishimitra.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:     in.counter("krishimitra.provider.errors", "Failed provider calls by provider and kind."),
		Answers:            in.counter("krishimitra.answers", "Assistant answers by language and confidence."),
		StateTransitions:   in.counter("krishimitra.state.transitions", "Conversation state changes."),
		WatchdogFires:      in.counter("krishimitra.silence.watchdog_fires", "Listening periods stopped for lack of speech."),
		BreakerTransitions: in.counter("krishimitra.breaker.transitions", "Circuit breaker state changes by breaker."),

		ActiveDialogs:    in.gauge("krishimitra.active_dialogs", "Open conversation dialogs."),
		EventSubscribers: in.gauge("krishimitra.event_subscribers", "Connected event stream clients."),

		HTTPRequestDuration: in.latency("krishimitra.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if in.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", in.err)
	}
	return m, nil
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

// RecordProviderRequest records one provider call and its latency on the
// histogram matching kind ("llm", "stt" or "tts").
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string, d time.Duration) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	var h metric.Float64Histogram
	switch kind {
	case "llm":
		h = m.LLMDuration
	case "stt":
		h = m.STTDuration
	case "tts":
		h = m.TTSDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// ── Conversation recorder ────────────────────────────────────────────────────

// RecordQuery records the outcome ("ok", "error" or "timeout") and latency
// of one AI query.
func (m *Metrics) RecordQuery(ctx context.Context, lang, outcome string, d time.Duration) {
	m.QueryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("lang", lang),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordConfidence counts one assistant answer.
func (m *Metrics) RecordConfidence(ctx context.Context, lang string, c types.Confidence) {
	m.Answers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("lang", lang),
			attribute.String("confidence", string(c)),
		),
	)
}

// RecordTransition counts a state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordWatchdogFire counts a listening period stopped by silence.
func (m *Metrics) RecordWatchdogFire(ctx context.Context) {
	m.WatchdogFires.Add(ctx, 1)
}

// AddActiveDialogs adjusts the open dialog gauge.
func (m *Metrics) AddActiveDialogs(ctx context.Context, delta int64) {
	m.ActiveDialogs.Add(ctx, delta)
}
