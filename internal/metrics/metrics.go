// Package metrics defines the Prometheus collectors for the execution
// core. The engine and its loops set these; serving /metrics is the
// host application's decision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_orders_created_total",
			Help: "Total number of orders admitted to the OMS (by producer).",
		},
		[]string{"producer"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_orders_submitted_total",
			Help: "Total number of orders handed to the broker (by producer).",
		},
		[]string{"producer"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_orders_rejected_total",
			Help: "Total number of intents rejected, by producer and violation kind.",
		},
		[]string{"producer", "reason"},
	)

	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_orders_filled_total",
			Help: "Total number of orders that reached FILLED (by producer).",
		},
		[]string{"producer"},
	)

	OrdersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_orders_cancelled_total",
			Help: "Total number of orders cancelled (by producer).",
		},
		[]string{"producer"},
	)

	OrderPlaceLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradecore_order_place_seconds",
			Help:    "Latency of broker place-order calls.",
			Buckets: prometheus.DefBuckets,
		},
	)

	OrderUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_order_updates_total",
			Help: "Broker order-update events consumed, by provider event name.",
		},
		[]string{"event"},
	)

	FillsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecore_fills_dropped_total",
			Help: "Broker updates for orders the OMS does not know; left to reconciliation.",
		},
	)

	RiskChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_risk_checks_total",
			Help: "Pre-trade risk checks, by result (approved / rejected).",
		},
		[]string{"result"},
	)

	KillSwitchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_kill_switch_active",
			Help: "1 while the global kill switch is active, 0 otherwise.",
		},
	)

	KillActivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_kill_activations_total",
			Help: "Kill-switch activations, by scope (global or producer id).",
		},
		[]string{"scope"},
	)

	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_breaker_state",
			Help: "Circuit breaker state: 0 CLOSED, 1 HALF_OPEN, 2 OPEN.",
		},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_breaker_transitions_total",
			Help: "Circuit breaker transitions, by target state.",
		},
		[]string{"state"},
	)

	OpenOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_open_orders",
			Help: "Current number of non-terminal orders in the OMS.",
		},
	)

	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecore_open_positions",
			Help: "Current number of open positions per producer.",
		},
		[]string{"producer"},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_equity",
			Help: "Current account equity (paper or live).",
		},
	)

	DailyDrawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_daily_drawdown_pct",
			Help: "Drawdown from today's starting equity, percent.",
		},
	)

	TotalDrawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_total_drawdown_pct",
			Help: "Drawdown from the equity high-water mark, percent.",
		},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_realized_pnl",
			Help: "Cumulative realized P&L across all positions.",
		},
	)

	UnrealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_unrealized_pnl",
			Help: "Unrealized P&L across open positions.",
		},
	)

	ReconcileDiscrepancies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecore_reconcile_discrepancies",
			Help: "Discrepancies found by the last reconciliation pass, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersCreated,
		OrdersSubmitted,
		OrdersRejected,
		OrdersFilled,
		OrdersCancelled,
		OrderPlaceLatency,
		OrderUpdates,
		FillsDropped,
		RiskChecks,
		KillSwitchActive,
		KillActivations,
		BreakerState,
		BreakerTransitions,
		OpenOrders,
		OpenPositions,
		Equity,
		DailyDrawdown,
		TotalDrawdown,
		RealizedPnL,
		UnrealizedPnL,
		ReconcileDiscrepancies,
	)
}

// SetBreakerState maps the breaker's state name onto the gauge.
func SetBreakerState(state string) {
	switch state {
	case "HALF_OPEN":
		BreakerState.Set(1)
	case "OPEN":
		BreakerState.Set(2)
	default:
		BreakerState.Set(0)
	}
}
