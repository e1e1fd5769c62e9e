package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the room server's collectors. They are registered on the
// registry passed to NewMetrics.
type Metrics struct {
	ConnectedClients prometheus.Gauge
	Messages         prometheus.Counter
	DroppedFrames    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomsync",
			Name:      "connected_clients",
			Help:      "Number of open websocket connections.",
		}),
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomsync",
			Name:      "messages_total",
			Help:      "Chat messages accepted and broadcast.",
		}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomsync",
			Name:      "dropped_frames_total",
			Help:      "Inbound or outbound frames that were discarded.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.ConnectedClients, m.Messages, m.DroppedFrames)
	}
	return m
}

func (m *Metrics) dropped(reason string) {
	m.DroppedFrames.WithLabelValues(reason).Inc()
}
