// Package metrics holds the Prometheus collectors for the copy-trading
// platform. Collectors are registered at init through promauto and
// served by the HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FetchesTotal counts leaderboard observation fetches per venue and
// outcome (success, empty, rate_limited, sharing_disabled, error).
var FetchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "copybot",
		Subsystem: "observe",
		Name:      "fetches_total",
		Help:      "Total leaderboard fetches by exchange and outcome",
	},
	[]string{"exchange", "outcome"},
)

// SignalsEmittedTotal counts persisted signals by source and action.
var SignalsEmittedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "copybot",
		Subsystem: "detect",
		Name:      "signals_emitted_total",
		Help:      "Total signals persisted by source and action",
	},
	[]string{"source", "action"},
)

// SignalsSkippedTotal counts fan-out and execution skips by reason.
var SignalsSkippedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "copybot",
		Subsystem: "detect",
		Name:      "signals_skipped_total",
		Help:      "Total signals skipped before execution by reason",
	},
	[]string{"reason"},
)

// TradesTotal counts copy trades reaching a terminal status.
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "copybot",
		Subsystem: "execute",
		Name:      "trades_total",
		Help:      "Total copy trades by exchange and terminal status",
	},
	[]string{"exchange", "status"},
)

// ExecutionLatency tracks queue-pop to order-settled latency.
var ExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "copybot",
		Subsystem: "execute",
		Name:      "execution_latency_seconds",
		Help:      "Time from queue pop to settled order",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	},
	[]string{"exchange"},
)

// ReconciliationsTotal counts parked trades adjudicated per outcome
// (filled, failed).
var ReconciliationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "copybot",
		Subsystem: "execute",
		Name:      "reconciliations_total",
		Help:      "Total parked trades adjudicated by outcome",
	},
	[]string{"outcome"},
)

// QueueDepth is the number of entries sitting in per-user signal
// queues, summed.
var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "copybot",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Total queued signal entries across users",
	},
)

// BreakerState reports each venue breaker (0=closed, 1=half-open,
// 2=open).
var BreakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "copybot",
		Subsystem: "exchange",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per exchange (0=closed, 1=half-open, 2=open)",
	},
	[]string{"exchange"},
)

// GovernorBudget reports the remaining observation call budget per
// venue window.
var GovernorBudget = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "copybot",
		Subsystem: "observe",
		Name:      "governor_budget_remaining",
		Help:      "Remaining observation calls in the current per-exchange window",
	},
	[]string{"exchange"},
)

// ProxiesUsable reports how many proxies are currently leasable.
var ProxiesUsable = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "copybot",
		Subsystem: "proxy",
		Name:      "usable",
		Help:      "Number of currently leasable proxies",
	},
)

// WhalesByStatus reports tracked whale counts per data status.
var WhalesByStatus = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "copybot",
		Subsystem: "observe",
		Name:      "whales",
		Help:      "Tracked whales per data status",
	},
	[]string{"status"},
)

// RecordFetch records one observation fetch outcome.
func RecordFetch(exchange, outcome string) {
	FetchesTotal.WithLabelValues(exchange, outcome).Inc()
}

// RecordSignal records one persisted signal.
func RecordSignal(source, action string) {
	SignalsEmittedTotal.WithLabelValues(source, action).Inc()
}

// RecordSkip records one skipped signal.
func RecordSkip(reason string) {
	SignalsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordTrade records one terminal copy trade.
func RecordTrade(exchange, status string) {
	TradesTotal.WithLabelValues(exchange, status).Inc()
}

// RecordReconciliation records one adjudicated parked trade.
func RecordReconciliation(outcome string) {
	ReconciliationsTotal.WithLabelValues(outcome).Inc()
}
