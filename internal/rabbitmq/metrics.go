package rabbitmq

// DeliveryOutcome is how a delivery was settled.
type DeliveryOutcome string

const (
	OutcomeAcked        DeliveryOutcome = "acked"
	OutcomeRequeued     DeliveryOutcome = "requeued"
	OutcomeDeadLettered DeliveryOutcome = "dead_lettered"
)

// MetricsCollector receives messaging events from the supervisor, publisher
// and subscriber.
type MetricsCollector interface {
	RecordPublish(routingKey string, err error)
	RecordDelivery(pattern string, outcome DeliveryOutcome)
	RecordConnectionState(state State)
	RecordReconnectAttempt(success bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordPublish(string, error)            {}
func (NoOpMetricsCollector) RecordDelivery(string, DeliveryOutcome) {}
func (NoOpMetricsCollector) RecordConnectionState(State)            {}
func (NoOpMetricsCollector) RecordReconnectAttempt(bool)            {}
