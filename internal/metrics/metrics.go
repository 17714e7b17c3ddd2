// Package metrics exposes the engine's Prometheus series:
//
//	simtrade_trades_total{side,result}
//	simtrade_battle_orders_total{action,result}
//	simtrade_battle_settlements_total{outcome}
//	simtrade_battle_settle_duration_seconds
//	simtrade_merge_failures_total
//	simtrade_snapshot_refresh_total{result}
//	simtrade_snapshots
//
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	trades          *prometheus.CounterVec
	battleOrders    *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	settleDuration  prometheus.Histogram
	mergeFailures   prometheus.Counter
	snapshotRefresh *prometheus.CounterVec
	snapshots       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simtrade_trades_total",
			Help: "Buy and sell requests by outcome.",
		}, []string{"side", "result"}),
		battleOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simtrade_battle_orders_total",
			Help: "Battle order creations and cancellations by outcome.",
		}, []string{"action", "result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simtrade_battle_settlements_total",
			Help: "Settled battle orders by outcome; failed orders stay pending.",
		}, []string{"outcome"}),
		settleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simtrade_battle_settle_duration_seconds",
			Help:    "Duration of one settlement pass.",
			Buckets: prometheus.DefBuckets,
		}),
		mergeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simtrade_merge_failures_total",
			Help: "Account merges that rolled back and need manual reconciliation.",
		}),
		snapshotRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simtrade_snapshot_refresh_total",
			Help: "Price snapshot refresh attempts by result.",
		}, []string{"result"}),
		snapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simtrade_snapshots",
			Help: "Symbols currently priced.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.trades, m.battleOrders, m.settlements, m.settleDuration,
		m.mergeFailures, m.snapshotRefresh, m.snapshots,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) Trade(side string, err error) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(side, result(err)).Inc()
}

func (m *Metrics) BattleOrder(action string, err error) {
	if m == nil {
		return
	}
	m.battleOrders.WithLabelValues(action, result(err)).Inc()
}

func (m *Metrics) Settlement(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.settlements.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) SettlePass(seconds float64) {
	if m == nil {
		return
	}
	m.settleDuration.Observe(seconds)
}

func (m *Metrics) MergeFailed() {
	if m == nil {
		return
	}
	m.mergeFailures.Inc()
}

func (m *Metrics) SnapshotRefresh(ok bool, count int) {
	if m == nil {
		return
	}
	if ok {
		m.snapshotRefresh.WithLabelValues("ok").Inc()
		m.snapshots.Set(float64(count))
		return
	}
	m.snapshotRefresh.WithLabelValues("error").Inc()
}
