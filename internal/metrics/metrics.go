// Package metrics holds the relay's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Relay struct {
	Signals       *prometheus.CounterVec
	Events        prometheus.Counter
	Dropped       prometheus.Counter
	Sockets       prometheus.Gauge
	Subscriptions prometheus.Gauge
}

func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "call",
			Subsystem: "relay",
			Name:      "signals_total",
			Help:      "Call signals republished, by signal type.",
		}, []string{"type"}),
		Events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "call",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Channel events published, call and chat alike.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "call",
			Subsystem: "relay",
			Name:      "dropped_frames_total",
			Help:      "Frames not delivered because a subscriber was backpressured.",
		}),
		Sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "call",
			Subsystem: "relay",
			Name:      "sockets",
			Help:      "Connected relay websockets.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "call",
			Subsystem: "relay",
			Name:      "subscriptions",
			Help:      "Active channel subscriptions.",
		}),
	}
	reg.MustRegister(m.Signals, m.Events, m.Dropped, m.Sockets, m.Subscriptions)
	return m
}
