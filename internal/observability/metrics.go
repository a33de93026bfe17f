package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the realtime core's operational metrics.
//
// The metrics system is built on Prometheus and tracks connection health,
// event dispatch volume, message send outcomes, and REST latency. All
// metrics are registered on the registry passed to NewMetrics so tests can
// use isolated registries.
type Metrics struct {
	// ConnectionTransitions counts connection state transitions.
	// Labels: state (connecting|connected|reconnecting|disconnected|failed)
	ConnectionTransitions *prometheus.CounterVec

	// ReconnectAttempts counts reconnection attempts, by outcome.
	// Labels: outcome (success|failure)
	ReconnectAttempts *prometheus.CounterVec

	// EventsDispatched counts realtime events fanned out by the bus.
	// Labels: kind
	EventsDispatched *prometheus.CounterVec

	// MessagesSent counts optimistic sends by outcome.
	// Labels: outcome (sent|failed)
	MessagesSent *prometheus.CounterVec

	// RESTRequestDuration measures REST call latency in seconds.
	// Labels: operation (list|send|create|join|leave|read), status (ok|error)
	RESTRequestDuration *prometheus.HistogramVec

	// JoinedRooms is a gauge of rooms in the desired-membership set.
	JoinedRooms prometheus.Gauge

	// TypingActive is a gauge of rooms with at least one remote typist.
	TypingActive prometheus.Gauge
}

// NewMetrics creates and registers all metrics on the given registerer.
// A nil registerer uses the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_connection_transitions_total",
				Help: "Connection state transitions by target state.",
			},
			[]string{"state"},
		),
		ReconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_reconnect_attempts_total",
				Help: "Reconnection attempts by outcome.",
			},
			[]string{"outcome"},
		),
		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_events_dispatched_total",
				Help: "Realtime events dispatched to subscribers by kind.",
			},
			[]string{"kind"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_messages_sent_total",
				Help: "Optimistic message sends by outcome.",
			},
			[]string{"outcome"},
		),
		RESTRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_rest_request_duration_seconds",
				Help:    "REST API request latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation", "status"},
		),
		JoinedRooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_joined_rooms",
				Help: "Rooms in the desired-membership set.",
			},
		),
		TypingActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "realtime_typing_rooms",
				Help: "Rooms with at least one remote user typing.",
			},
		),
	}
}
