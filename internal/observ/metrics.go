// Package observ exposes the engine's telemetry as Prometheus metrics.
package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goldarb_signals_total",
		Help: "Signals generated, by direction.",
	}, []string{"direction"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goldarb_trades_total",
		Help: "Trades applied to the ledger, by side and kind (open|close).",
	}, []string{"side", "kind"})

	RejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goldarb_rejects_total",
		Help: "Entries denied before submission, by reason code.",
	}, []string{"reason"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goldarb_orders_total",
		Help: "Order submissions, by outcome (filled|failed|cancelled).",
	}, []string{"outcome"})

	KillSwitchTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goldarb_kill_switch_total",
		Help: "Kill switch activations.",
	})

	StaleDataTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goldarb_stale_data_total",
		Help: "Quote updates rejected or evaluations held on stale data, by symbol.",
	}, []string{"symbol"})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goldarb_events_dropped_total",
		Help: "Events dropped by the bus due to a full buffer.",
	})

	CashGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goldarb_balance_cash",
		Help: "Current ledger cash.",
	})

	PeakEquityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goldarb_peak_equity",
		Help: "Session peak equity.",
	})

	DrawdownGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goldarb_drawdown_pct",
		Help: "Current drawdown from peak equity, as a fraction.",
	})

	FairValueGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goldarb_fair_value",
		Help: "Last computed fair value per 10g.",
	})

	SpreadGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goldarb_spread_pct",
		Help: "Last observed market/fair-value spread, as a fraction.",
	})

	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "goldarb_submit_latency_seconds",
		Help:    "Order submission round trip including retries.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
