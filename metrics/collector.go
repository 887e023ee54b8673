// Package metrics exports event bus activity to Prometheus.
package metrics

import (
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

var connectionStates = []rabbitmq.State{
	rabbitmq.StateDisconnected,
	rabbitmq.StateConnecting,
	rabbitmq.StateReady,
	rabbitmq.StateClosed,
}

// Collector implements rabbitmq.MetricsCollector on top of Prometheus
// vectors. Register it with a prometheus.Registerer to expose them.
type Collector struct {
	publishes       *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	connectionState *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
}

// NewCollector creates a collector whose metric names are prefixed with
// namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events handed to the broker, by routing key and result.",
			},
			[]string{"routing_key", "result"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_delivered_total",
				Help:      "Deliveries settled by subscriptions, by pattern and outcome.",
			},
			[]string{"pattern", "outcome"},
		),
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "broker_connection_state",
				Help:      "1 for the current broker connection state, 0 otherwise.",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_reconnect_attempts_total",
				Help:      "Reconnection attempts after a lost broker connection, by result.",
			},
			[]string{"result"},
		),
	}
}

// RecordPublish implements rabbitmq.MetricsCollector
func (c *Collector) RecordPublish(routingKey string, err error) {
	c.publishes.WithLabelValues(routingKey, result(err == nil)).Inc()
}

// RecordDelivery implements rabbitmq.MetricsCollector
func (c *Collector) RecordDelivery(pattern string, outcome rabbitmq.DeliveryOutcome) {
	c.deliveries.WithLabelValues(pattern, string(outcome)).Inc()
}

// RecordConnectionState implements rabbitmq.MetricsCollector
func (c *Collector) RecordConnectionState(state rabbitmq.State) {
	for _, s := range connectionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.connectionState.WithLabelValues(s.String()).Set(value)
	}
}

// RecordReconnectAttempt implements rabbitmq.MetricsCollector
func (c *Collector) RecordReconnectAttempt(success bool) {
	c.reconnects.WithLabelValues(result(success)).Inc()
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.publishes.Describe(ch)
	c.deliveries.Describe(ch)
	c.connectionState.Describe(ch)
	c.reconnects.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.publishes.Collect(ch)
	c.deliveries.Collect(ch)
	c.connectionState.Collect(ch)
	c.reconnects.Collect(ch)
}

func result(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultFailure
}

var (
	_ rabbitmq.MetricsCollector = (*Collector)(nil)
	_ prometheus.Collector      = (*Collector)(nil)
)
