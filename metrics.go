package pairchat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the client-side Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	eventsReceived *prometheus.CounterVec
	eventsEmitted  *prometheus.CounterVec
	reconnects     prometheus.Counter
	duplicates     prometheus.Counter
	reconciled     prometheus.Counter
	sendFailures   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "events_received_total",
			Help:      "Inbound channel events by name.",
		}, []string{"event"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "events_emitted_total",
			Help:      "Outbound channel events by name.",
		}, []string{"event"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "reconnects_total",
			Help:      "Channel reconnect attempts.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages dropped because their id was already present.",
		}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "reconciled_sends_total",
			Help:      "Optimistic messages replaced by their confirmed counterpart.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "send_failures_total",
			Help:      "Optimistic messages that were never confirmed in time.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsReceived, m.eventsEmitted, m.reconnects, m.duplicates, m.reconciled, m.sendFailures)
	}
	return m
}

func (m *Metrics) received(event string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) emitted(event string) {
	if m != nil {
		m.eventsEmitted.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) reconcile() {
	if m != nil {
		m.reconciled.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}
