// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts completed chat turns by outcome code ("ok" on
	// success, the envelope code otherwise).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askgate",
		Name:      "chat_turns_total",
		Help:      "Completed chat turns by tenant and outcome.",
	}, []string{"tenant", "outcome"})

	// TurnDuration observes whole-turn latency.
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "askgate",
		Name:      "chat_turn_seconds",
		Help:      "Chat turn duration.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"tenant"})

	// ToolCallsTotal counts governed tool calls by result.
	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askgate",
		Name:      "tool_calls_total",
		Help:      "Tool calls by tenant, tool, and result.",
	}, []string{"tenant", "tool", "result"})

	// NudgesTotal counts triggered follow-up nudges.
	NudgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askgate",
		Name:      "nudges_total",
		Help:      "Follow-up nudges by tenant and rule.",
	}, []string{"tenant", "rule"})

	// PlanRejections counts query plans the validator refused.
	PlanRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askgate",
		Name:      "plan_rejections_total",
		Help:      "Rejected query plans by tenant and code.",
	}, []string{"tenant", "code"})

	// BreakerState tracks circuit breaker state per upstream
	// (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "askgate",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per upstream.",
	}, []string{"upstream"})

	// StreamDroppedDeltas counts deltas discarded under backpressure.
	StreamDroppedDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "askgate",
		Name:      "stream_dropped_deltas_total",
		Help:      "Delta events dropped by bounded stream channels.",
	})
)
