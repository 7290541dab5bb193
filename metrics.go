package gradchat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the SDK's Prometheus collectors. A nil *Metrics records
// nothing, so every component can call it unconditionally.
type Metrics struct {
	reconcileEvents *prometheus.CounterVec
	sends           *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconcileEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradchat",
			Name:      "reconcile_events_total",
			Help:      "Messages folded into session sequences by event kind and outcome.",
		}, []string{"kind", "outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradchat",
			Name:      "sends_total",
			Help:      "Send attempts by outcome.",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gradchat",
			Name:      "reconnects_total",
			Help:      "Resubscription rounds by result.",
		}, []string{"result"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gradchat",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 for the others.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.reconcileEvents, m.sends, m.reconnects, m.connectionState)
	}
	return m
}

func (m *Metrics) observeOutcome(kind string, o Outcome) {
	if m == nil {
		return
	}
	add := func(outcome string, n int) {
		if n > 0 {
			m.reconcileEvents.WithLabelValues(kind, outcome).Add(float64(n))
		}
	}
	add("inserted", o.Inserted)
	add("confirmed", o.Confirmed)
	add("duplicate", o.Duplicates)
	add("dropped", o.Dropped)
}

func (m *Metrics) observeSend(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeReconnect(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) setConnectionState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{ConnectionOnline, ConnectionOffline, ConnectionReconnecting} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}
