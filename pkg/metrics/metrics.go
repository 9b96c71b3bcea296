// Package metrics holds the Prometheus collectors the market maker exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type Metrics struct {
	TickDuration   prometheus.Histogram
	Ticks          *prometheus.CounterVec
	AdapterCalls   *prometheus.CounterVec
	Fills          *prometheus.CounterVec
	FillVolume     prometheus.Counter
	NetPosition    prometheus.Gauge
	MidPrice       prometheus.Gauge
	RealizedPnL    prometheus.Gauge
	UnrealizedPnL  prometheus.Gauge
	OpenOrders     *prometheus.GaugeVec
	Verdict        *prometheus.GaugeVec
	FeedStale      prometheus.Gauge
	SinkDropped    prometheus.Counter
	verdictActions []string
}

// New creates the collectors and registers them with reg. Passing nil skips
// registration, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mmbot_tick_duration_seconds",
			Help:    "Time spent in one quoting tick.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmbot_ticks_total",
			Help: "Ticks by outcome.",
		}, []string{"outcome"}),
		AdapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmbot_adapter_calls_total",
			Help: "Order calls issued by reconciliation, by result.",
		}, []string{"result"}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mmbot_fills_total",
			Help: "Fills applied, by side.",
		}, []string{"side"}),
		FillVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mmbot_fill_volume_total",
			Help: "Total filled base quantity.",
		}),
		NetPosition: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmbot_net_position",
			Help: "Signed net position in base units.",
		}),
		MidPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmbot_mid_price",
			Help: "Last mid price used for quoting.",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmbot_realized_pnl",
			Help: "Realized PnL net of fees.",
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmbot_unrealized_pnl",
			Help: "Unrealized PnL at the last mid.",
		}),
		OpenOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmbot_open_orders",
			Help: "Tracked open orders by side.",
		}, []string{"side"}),
		Verdict: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mmbot_risk_verdict",
			Help: "1 for the current risk verdict, 0 for the others.",
		}, []string{"action"}),
		FeedStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mmbot_feed_stale",
			Help: "1 when the market data feed is stale.",
		}),
		SinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mmbot_sink_dropped_total",
			Help: "Events dropped because the sink buffer was full.",
		}),
		verdictActions: []string{"normal", "skew", "flatten", "halt"},
	}

	if reg != nil {
		reg.MustRegister(
			m.TickDuration,
			m.Ticks,
			m.AdapterCalls,
			m.Fills,
			m.FillVolume,
			m.NetPosition,
			m.MidPrice,
			m.RealizedPnL,
			m.UnrealizedPnL,
			m.OpenOrders,
			m.Verdict,
			m.FeedStale,
			m.SinkDropped,
		)
	}
	return m
}

// SetVerdict marks action as the only active verdict.
func (m *Metrics) SetVerdict(action string) {
	for _, a := range m.verdictActions {
		v := 0.0
		if a == action {
			v = 1
		}
		m.Verdict.WithLabelValues(a).Set(v)
	}
}

func (m *Metrics) SetDecimal(g prometheus.Gauge, d decimal.Decimal) {
	f, _ := d.Float64()
	g.Set(f)
}

func (m *Metrics) AddCalls(placed, cancelled, rejected, failed int) {
	m.AdapterCalls.WithLabelValues("placed").Add(float64(placed))
	m.AdapterCalls.WithLabelValues("cancelled").Add(float64(cancelled))
	m.AdapterCalls.WithLabelValues("rejected").Add(float64(rejected))
	m.AdapterCalls.WithLabelValues("failed").Add(float64(failed))
}
