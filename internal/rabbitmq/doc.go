// Package rabbitmq distributes domain events over a RabbitMQ topic exchange.
//
// This package includes:
//   - Supervisor: owns the single broker connection and channel, connects lazily and reconnects forever
//   - Publisher: fire-and-forget JSON publishing guarded by a circuit breaker
//   - Subscriber: exclusive, broker-named queues bound by routing key pattern
//   - Topology: the topic exchange plus its dead-letter exchange and queue
//
// Deliveries are always acknowledged manually:
//   - handler success acks
//   - a body that is not a JSON object is requeued, then dead-lettered at the attempt limit
//   - a handler error or panic dead-letters the delivery
//
// WithFailureStore additionally records every dead-lettered delivery.
package rabbitmq
