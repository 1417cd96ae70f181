package simulation

import "github.com/prometheus/client_golang/prometheus"

// Metrics 汇总 episode 计数器；nil 时所有方法为空操作。
type Metrics struct {
	candles     *prometheus.CounterVec
	cycles      *prometheus.CounterVec
	fetches     *prometheus.CounterVec
	stops       *prometheus.CounterVec
	lateSignals *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		candles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_candles_total",
			Help: "Candles processed by the episode loop",
		}, []string{"session"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_cycles_total",
			Help: "Trading system cycles executed",
		}, []string{"session", "phase"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_fetch_total",
			Help: "Throttled exchange fetch attempts",
		}, []string{"kind", "result"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_stops_total",
			Help: "Episode stop signals",
		}, []string{"checkpoint", "level"}),
		lateSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesim_late_signals_total",
			Help: "Candles processed without incoming signals",
		}, []string{"session"}),
	}
	if reg != nil {
		reg.MustRegister(m.candles, m.cycles, m.fetches, m.stops, m.lateSignals)
	}
	return m
}

func (m *Metrics) candle(session string) {
	if m == nil {
		return
	}
	m.candles.WithLabelValues(session).Inc()
}

func (m *Metrics) cycle(session string, phase Phase) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(session, phase.String()).Inc()
}

func (m *Metrics) fetch(kind FetchKind, result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) stop(cp Checkpoint, level StopLevel) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(string(cp), string(level)).Inc()
}

func (m *Metrics) lateSignal(session string) {
	if m == nil {
		return
	}
	m.lateSignals.WithLabelValues(session).Inc()
}
