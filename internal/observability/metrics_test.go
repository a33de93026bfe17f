package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	return prometheus.NewRegistry()
}

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics(newTestRegistry(t))
	m.JoinedRooms.Set(3)
	m.JoinedRooms.Dec()
	m.TypingActive.Inc()
	m.ReconnectAttempts.WithLabelValues("success").Inc()
	m.RESTRequestDuration.WithLabelValues("list", "ok").Observe(0.03)
	m.EventsDispatched.WithLabelValues("message.new").Add(2)
}
