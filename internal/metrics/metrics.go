package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tradesync"

// Metrics holds every collector of the sync layer.
type Metrics struct {
	calls          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	forcedLogouts  prometheus.Counter
	connState      *prometheus.GaugeVec
	reconnects     prometheus.Counter
	subscriptions  prometheus.Gauge
	commands       *prometheus.CounterVec
	modeTransition *prometheus.CounterVec
	mode           *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Backend call outcomes by category (ok for success)",
			},
			[]string{"category"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_retries_total",
				Help:      "Retries scheduled by the resilience middleware",
			},
			[]string{"category"},
		),
		forcedLogouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_logouts_total",
				Help:      "Sessions terminated after an authentication failure",
			},
		),
		// One labeled series per state flipped between 0/1 keeps dashboards simple.
		connState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Real-time connection state indicator (1 for the current state)",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnect_attempts_total",
				Help:      "Reconnect attempts made by the multiplexer",
			},
		),
		subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_subscriptions",
				Help:      "Logical subscriptions currently tracked",
			},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "physical_commands_total",
				Help:      "Commands written to the real-time connection",
			},
			[]string{"cmd"},
		),
		modeTransition: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mode_transitions_total",
				Help:      "Trading-mode state transitions",
			},
			[]string{"from", "to"},
		),
		mode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "trading_mode",
				Help:      "Trading-mode state indicator (1 for the current state)",
			},
			[]string{"state"},
		),
	}

	reg.MustRegister(
		m.calls, m.retries, m.forcedLogouts,
		m.connState, m.reconnects, m.subscriptions, m.commands,
		m.modeTransition, m.mode,
	)

	return m
}

// ObserveCall counts one finished backend call.
func (m *Metrics) ObserveCall(category string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(category).Inc()
}

// IncRetry counts one scheduled retry.
func (m *Metrics) IncRetry(category string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(category).Inc()
}

// IncForcedLogout counts one forced logout.
func (m *Metrics) IncForcedLogout() {
	if m == nil {
		return
	}
	m.forcedLogouts.Inc()
}

// SetConnectionState marks state as current among all states.
func (m *Metrics) SetConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	setExclusive(m.connState, state, all)
}

// IncReconnect counts one reconnect attempt.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// SetSubscriptions sets the active subscription gauge.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

// IncCommand counts one physical command.
func (m *Metrics) IncCommand(cmd string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(cmd).Inc()
}

// ObserveModeTransition counts a transition and updates the mode indicator.
func (m *Metrics) ObserveModeTransition(from, to string, all []string) {
	if m == nil {
		return
	}
	m.modeTransition.WithLabelValues(from, to).Inc()
	setExclusive(m.mode, to, all)
}

// SetMode marks state as the current trading-mode state.
func (m *Metrics) SetMode(state string, all []string) {
	if m == nil {
		return
	}
	setExclusive(m.mode, state, all)
}

func setExclusive(g *prometheus.GaugeVec, current string, all []string) {
	for _, s := range all {
		if s == current {
			g.WithLabelValues(s).Set(1)
		} else {
			g.WithLabelValues(s).Set(0)
		}
	}
}
