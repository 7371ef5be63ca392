// README: Prometheus collectors for the realtime bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_connections_open",
		Help: "Currently open realtime connections.",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_connections_rejected_total",
		Help: "Handshakes refused because the identity could not be verified.",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_rooms_active",
		Help: "Rooms with at least one member.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_events_published_total",
		Help: "Events published, by kind.",
	}, []string{"kind"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_deliveries_total",
		Help: "Per-connection delivery attempts, by result (ok, failed, closed).",
	}, []string{"result"})

	LocationSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_location_samples_total",
		Help: "Location samples received, by outcome.",
	}, []string{"outcome"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_order_transitions_total",
		Help: "Order status transition requests, by outcome.",
	}, []string{"outcome"})

	RecoveredPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_recovered_panics_total",
		Help: "Panics recovered and isolated to one request or delivery.",
	}, []string{"component"})
)
