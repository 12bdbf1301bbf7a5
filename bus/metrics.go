package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the delivery counters shared by both bus implementations.
type metrics struct {
	eventsPublished   *prometheus.CounterVec
	commandsPublished *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	handlerErrors     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, transport string) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"transport": transport}
	return &metrics{
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "taskhive_bus_events_published_total",
			Help:        "Events published, by event type.",
			ConstLabels: labels,
		}, []string{"event_type"}),
		commandsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "taskhive_bus_commands_published_total",
			Help:        "Commands published, by command type.",
			ConstLabels: labels,
		}, []string{"command_type"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "taskhive_bus_deliveries_total",
			Help:        "Messages handed to subscriber callbacks, by type.",
			ConstLabels: labels,
		}, []string{"message_type"}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "taskhive_bus_handler_errors_total",
			Help:        "Subscriber callbacks that returned an error, by type.",
			ConstLabels: labels,
		}, []string{"message_type"}),
	}
}
