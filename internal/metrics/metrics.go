package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peermesh"

// Metrics holds the collectors shared by the mesh and session components.
type Metrics struct {
	MessagesIn      *prometheus.CounterVec
	MessagesOut     *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	Links           prometheus.Gauge
	LinkHealthy     prometheus.Gauge
	Responses       *prometheus.CounterVec
	Participants    prometheus.Gauge
	Transitions     *prometheus.CounterVec
}

// New registers collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "messages_received_total",
			Help: "Envelopes received, by kind.",
		}, []string{"kind"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "messages_sent_total",
			Help: "Envelopes handed to the transport, by kind.",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "messages_dropped_total",
			Help: "Envelopes dropped, by reason.",
		}, []string{"reason"}),
		Links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "live_links",
			Help: "Currently open peer links.",
		}),
		LinkHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "transport_healthy",
			Help: "1 when the transport reports a usable signaling connection.",
		}),
		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "responses_total",
			Help: "Responses recorded by the controller.",
		}, []string{"correct"}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "session", Name: "participants",
			Help: "Participants on the roster.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "session", Name: "phase_transitions_total",
			Help: "Session phase transitions, by target phase.",
		}, []string{"phase"}),
	}
	reg.MustRegister(
		m.MessagesIn, m.MessagesOut, m.MessagesDropped, m.Links, m.LinkHealthy,
		m.Responses, m.Participants, m.Transitions,
	)
	return m
}

// NewNop returns collectors bound to a throwaway registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
