// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus publishes domain events to a RabbitMQ topic exchange and
// delivers them to pattern-bound subscribers.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/eventbus-go/health"
	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// Record is a decoded event payload.
type Record = rabbitmq.Record

// Handler processes one delivered event. A returned error or panic
// dead-letters the delivery.
type Handler = rabbitmq.Handler

// Subscription is a live pattern binding.
type Subscription = rabbitmq.Subscription

// State is the broker connection state.
type State = rabbitmq.State

const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateReady        = rabbitmq.StateReady
	StateClosed       = rabbitmq.StateClosed
)

var (
	ErrBrokerUnavailable     = rabbitmq.ErrBrokerUnavailable
	ErrDeclareFailed         = rabbitmq.ErrDeclareFailed
	ErrPayloadParse          = rabbitmq.ErrPayloadParse
	ErrHandlerFailed         = rabbitmq.ErrHandlerFailed
	ErrSupervisorClosed      = rabbitmq.ErrSupervisorClosed
	ErrInvalidRoutingKey     = rabbitmq.ErrInvalidRoutingKey
	ErrInvalidPattern        = rabbitmq.ErrInvalidPattern
	ErrInvalidPayload        = rabbitmq.ErrInvalidPayload
	ErrNilHandler            = rabbitmq.ErrNilHandler
	ErrSubscriptionCancelled = rabbitmq.ErrSubscriptionCancelled
)

// IsRetryable reports whether err is a transient broker failure worth retrying.
func IsRetryable(err error) bool {
	return rabbitmq.IsRetryable(err)
}

// RoutingKeyFromContext returns the routing key of the delivery a handler is
// processing.
func RoutingKeyFromContext(ctx context.Context) (string, bool) {
	return rabbitmq.RoutingKeyFromContext(ctx)
}

// Client provides the main entry point for eventbus-go. One client shares a
// single broker connection between its publisher and subscriber.
type Client struct {
	supervisor *rabbitmq.Supervisor
	publisher  *rabbitmq.Publisher
	subscriber *rabbitmq.Subscriber
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewClient creates a client for the broker at url. No connection is opened
// until the first publish, subscribe or Connect.
func NewClient(url string, options ...Option) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	supervisorOpts := []rabbitmq.SupervisorOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.metrics != nil {
		supervisorOpts = append(supervisorOpts, rabbitmq.WithMetrics(cfg.metrics))
	}
	supervisorOpts = append(supervisorOpts, cfg.supervisorOpts...)

	publisherOpts := cfg.publisherOpts
	if cfg.breakerThreshold > 0 {
		settings := rabbitmq.DefaultBreakerSettings(cfg.logger)
		threshold := cfg.breakerThreshold
		settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		}
		if cfg.breakerReset > 0 {
			settings.Timeout = cfg.breakerReset
		}
		publisherOpts = append([]rabbitmq.PublisherOption{rabbitmq.WithCircuitBreaker(settings)}, publisherOpts...)
	}

	supervisor := rabbitmq.NewSupervisor(url, supervisorOpts...)
	publisher := rabbitmq.NewPublisher(supervisor, publisherOpts...)

	subscriber, err := rabbitmq.NewSubscriber(supervisor, cfg.subscriberOpts...)
	if err != nil {
		_ = supervisor.Close()
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}

	return &Client{
		supervisor: supervisor,
		publisher:  publisher,
		subscriber: subscriber,
		metrics:    cfg.metrics,
		logger:     cfg.logger,
	}, nil
}

// Connect establishes the broker connection now instead of on first use.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.supervisor.EnsureChannel(ctx)
	return err
}

// Publish sends payload as JSON under routingKey.
func (c *Client) Publish(ctx context.Context, routingKey string, payload any) error {
	return c.publisher.Publish(ctx, routingKey, payload)
}

// Subscribe delivers every event whose routing key matches pattern to handler.
func (c *Client) Subscribe(ctx context.Context, pattern string, handler Handler) (*Subscription, error) {
	return c.subscriber.Subscribe(ctx, pattern, handler)
}

// Subscriptions returns the live subscriptions
func (c *Client) Subscriptions() []*Subscription {
	return c.subscriber.Subscriptions()
}

// State returns the broker connection state
func (c *Client) State() State {
	return c.supervisor.State()
}

// IsConnected reports whether a usable channel is open
func (c *Client) IsConnected() bool {
	return c.supervisor.IsConnected()
}

// Exchange returns the name of the exchange events are published to
func (c *Client) Exchange() string {
	return c.supervisor.Topology().Exchange.Name
}

// Metrics returns the Prometheus collector, or nil when none was configured
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// RegisterHealthChecks adds the broker and subscription checkers to registry.
func (c *Client) RegisterHealthChecks(registry *health.Registry) {
	registry.Register(health.NewBrokerChecker(c.supervisor))
	registry.Register(health.NewSubscriptionChecker(c.subscriber))
	registry.SetMetadata("exchange", c.Exchange())
}

// Close cancels every subscription and closes the broker connection.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if err := c.subscriber.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close subscriber: %w", err))
	}
	if err := c.supervisor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	metrics          *metrics.Collector
	breakerThreshold uint32
	breakerReset     time.Duration
	supervisorOpts   []rabbitmq.SupervisorOption
	publisherOpts    []rabbitmq.PublisherOption
	subscriberOpts   []rabbitmq.SubscriberOption
}

// Option configures the client
type Option func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics reports publishes, deliveries and connection state to collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithExchange publishes to and binds against the named topic exchange.
// Dead-letter names are derived from it.
func WithExchange(name string, durable bool) Option {
	return func(cfg *clientConfig) {
		cfg.supervisorOpts = append(cfg.supervisorOpts,
			rabbitmq.WithExchange(rabbitmq.ExchangeDeclaration{
				Name:    name,
				Type:    amqp.ExchangeTopic,
				Durable: durable,
			}),
			rabbitmq.WithDeadLetter(rabbitmq.DefaultDeadLetter(name)),
		)
	}
}

// WithDeadLetter overrides the dead-letter exchange and queue. An empty
// exchange disables dead-lettering.
func WithDeadLetter(exchange, queue string) Option {
	return func(cfg *clientConfig) {
		cfg.supervisorOpts = append(cfg.supervisorOpts,
			rabbitmq.WithDeadLetter(rabbitmq.DeadLetterDeclaration{Exchange: exchange, Queue: queue}))
	}
}

// WithReconnectDelay sets the flat delay between reconnect attempts
func WithReconnectDelay(delay time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.supervisorOpts = append(cfg.supervisorOpts, rabbitmq.WithReconnectDelay(delay))
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.supervisorOpts = append(cfg.supervisorOpts, rabbitmq.WithDialTimeout(timeout))
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(heartbeat time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.supervisorOpts = append(cfg.supervisorOpts, rabbitmq.WithHeartbeat(heartbeat))
	}
}

// WithPrefetchCount limits unacknowledged deliveries per consumer
func WithPrefetchCount(count int) Option {
	return func(cfg *clientConfig) {
		cfg.supervisorOpts = append(cfg.supervisorOpts, rabbitmq.WithPrefetchCount(count))
	}
}

// WithPublishTimeout bounds a publish whose context has no deadline
func WithPublishTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.publisherOpts = append(cfg.publisherOpts, rabbitmq.WithPublishTimeout(timeout))
	}
}

// WithCircuitBreaker opens the publish breaker after threshold consecutive
// broker failures and probes again after resetTimeout.
func WithCircuitBreaker(threshold uint32, resetTimeout time.Duration) Option {
	return func(cfg *clientConfig) {
		cfg.breakerThreshold = threshold
		cfg.breakerReset = resetTimeout
	}
}

// WithMaxParseAttempts dead-letters a malformed delivery after attempts
// redeliveries. Zero requeues it forever.
func WithMaxParseAttempts(attempts int) Option {
	return func(cfg *clientConfig) {
		cfg.subscriberOpts = append(cfg.subscriberOpts, rabbitmq.WithMaxParseAttempts(attempts))
	}
}

// WithResubscribe controls whether subscriptions are re-established after a
// reconnect
func WithResubscribe(enabled bool) Option {
	return func(cfg *clientConfig) {
		cfg.subscriberOpts = append(cfg.subscriberOpts, rabbitmq.WithResubscribe(enabled))
	}
}

// WithSupervisorOptions passes options straight to the connection supervisor
func WithSupervisorOptions(options ...rabbitmq.SupervisorOption) Option {
	return func(cfg *clientConfig) {
		cfg.supervisorOpts = append(cfg.supervisorOpts, options...)
	}
}

// WithPublisherOptions passes options straight to the publisher
func WithPublisherOptions(options ...rabbitmq.PublisherOption) Option {
	return func(cfg *clientConfig) {
		cfg.publisherOpts = append(cfg.publisherOpts, options...)
	}
}

// WithSubscriberOptions passes options straight to the subscriber
func WithSubscriberOptions(options ...rabbitmq.SubscriberOption) Option {
	return func(cfg *clientConfig) {
		cfg.subscriberOpts = append(cfg.subscriberOpts, options...)
	}
}
