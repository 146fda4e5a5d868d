// Package observe provides the OpenTelemetry metrics, tracing and trace-aware
// logging used by the simulation engine.
//
// Tests should build their own [Metrics] with [NewMetrics] over a
// ManualReader-backed provider instead of relying on [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "coaching-sim"

// Metrics holds every metric instrument recorded by the engine.
type Metrics struct {
	// TurnDuration tracks wall-clock time of a full SubmitTurn call.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks one generation call. Use with attribute
	// attribute.String("branch", "task"|"coach"|"debrief").
	LLMDuration metric.Float64Histogram

	// Turns counts completed turn attempts by status.
	Turns metric.Int64Counter

	// DegradedVerdicts counts coach verdicts replaced by the fallback, by reason.
	DegradedVerdicts metric.Int64Counter

	// Tokens counts tokens billed, by branch.
	Tokens metric.Int64Counter

	// Debriefs counts session completions. fallback=true when the holistic
	// pass could not be used.
	Debriefs metric.Int64Counter

	// TurnLockRejections counts chat requests refused because another turn
	// held the session lock.
	TurnLockRejections metric.Int64Counter
}

// Model calls are slow; buckets are in seconds.
var latencyBuckets = []float64{
	0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("sim.turn.duration",
		metric.WithDescription("Latency of a full simulation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("sim.llm.duration",
		metric.WithDescription("Latency of a single generation call by branch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("sim.turns",
		metric.WithDescription("Total simulation turns by status."),
	); err != nil {
		return nil, err
	}
	if met.DegradedVerdicts, err = m.Int64Counter("sim.coach.degraded",
		metric.WithDescription("Coach verdicts replaced by the fallback verdict, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("sim.tokens",
		metric.WithDescription("Tokens billed by branch."),
	); err != nil {
		return nil, err
	}
	if met.Debriefs, err = m.Int64Counter("sim.debriefs",
		metric.WithDescription("Completed sessions by debrief outcome."),
	); err != nil {
		return nil, err
	}
	if met.TurnLockRejections, err = m.Int64Counter("sim.turn_lock.rejections",
		metric.WithDescription("Chat requests rejected because a turn was in progress."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built from the global
// meter provider.
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

// RecordTurn records one turn outcome and its latency.
func (m *Metrics) RecordTurn(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordLLMCall records the latency of one generation call.
func (m *Metrics) RecordLLMCall(ctx context.Context, branch string, seconds float64) {
	m.LLMDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("branch", branch)))
}

// RecordDegradedVerdict counts a fallback coach verdict.
func (m *Metrics) RecordDegradedVerdict(ctx context.Context, reason string) {
	m.DegradedVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTokens adds n tokens for branch. Non-positive values are ignored.
func (m *Metrics) RecordTokens(ctx context.Context, branch string, n int) {
	if n <= 0 {
		return
	}
	m.Tokens.Add(ctx, int64(n), metric.WithAttributes(attribute.String("branch", branch)))
}

// RecordDebrief counts one completed session.
func (m *Metrics) RecordDebrief(ctx context.Context, fallback bool) {
	m.Debriefs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fallback", fallback)))
}

// RecordTurnLockRejection counts one chat request refused by the turn lock.
func (m *Metrics) RecordTurnLockRejection(ctx context.Context) {
	m.TurnLockRejections.Add(ctx, 1)
}
