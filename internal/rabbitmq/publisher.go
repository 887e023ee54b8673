package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// Publisher routes events to the supervised topic exchange. Publishing is
// fire-and-forget: there are no publisher confirms and no retries.
type Publisher struct {
	supervisor     *Supervisor
	publishTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker
	logger         *slog.Logger
	metrics        MetricsCollector

	// serializes frames on the shared channel
	mu sync.Mutex
}

// PublisherOption configures the publisher
type PublisherOption func(*publisherConfig)

type publisherConfig struct {
	publishTimeout time.Duration
	breaker        *gobreaker.Settings
	logger         *slog.Logger
	metrics        MetricsCollector
}

// WithPublishTimeout bounds a publish when the caller's context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(c *publisherConfig) {
		c.publishTimeout = timeout
	}
}

// WithCircuitBreaker replaces the default breaker settings
func WithCircuitBreaker(settings gobreaker.Settings) PublisherOption {
	return func(c *publisherConfig) {
		c.breaker = &settings
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(c *publisherConfig) {
		c.logger = logger
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(c *publisherConfig) {
		c.metrics = metrics
	}
}

// DefaultBreakerSettings trips after five consecutive broker-unavailable
// failures and probes again after ten seconds.
func DefaultBreakerSettings(logger *slog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "publisher",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}
}

// NewPublisher creates a new publisher
func NewPublisher(supervisor *Supervisor, options ...PublisherOption) *Publisher {
	cfg := &publisherConfig{
		publishTimeout: 10 * time.Second,
		logger:         supervisor.Logger(),
		metrics:        supervisor.metrics,
	}

	for _, opt := range options {
		opt(cfg)
	}

	settings := DefaultBreakerSettings(cfg.logger)
	if cfg.breaker != nil {
		settings = *cfg.breaker
	}
	// Only broker outages count against the breaker; bad input does not.
	settings.IsSuccessful = func(err error) bool {
		return err == nil || !errors.Is(err, ErrBrokerUnavailable)
	}

	return &Publisher{
		supervisor:     supervisor,
		publishTimeout: cfg.publishTimeout,
		breaker:        gobreaker.NewCircuitBreaker(settings),
		logger:         cfg.logger,
		metrics:        cfg.metrics,
	}
}

// Publish serializes payload as JSON and sends it to the exchange under
// routingKey. It connects on demand and fails with ErrBrokerUnavailable when
// no channel can be obtained.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	err := p.publish(ctx, routingKey, payload)
	p.metrics.RecordPublish(routingKey, err)
	if err != nil {
		p.logger.Error("failed to publish event",
			"routing_key", routingKey,
			"error", err)
		return err
	}

	p.logger.Info("event published", "routing_key", routingKey)
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, payload any) error {
	if err := ValidateRoutingKey(routingKey); err != nil {
		return err
	}
	body, err := EncodePayload(payload)
	if err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	exchange := p.supervisor.Topology().Exchange.Name

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.send(ctx, exchange, routingKey, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("%w: %w", ErrBrokerUnavailable, err),
			Timestamp:  time.Now(),
		}
	}
	return err
}

func (p *Publisher) send(ctx context.Context, exchange, routingKey string, body []byte) error {
	ch, err := p.supervisor.EnsureChannel(ctx)
	if err != nil {
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	p.mu.Lock()
	err = ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  ContentTypeJSON,
			DeliveryMode: amqp.Transient,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	p.mu.Unlock()

	if err != nil {
		if isClosedError(err) {
			err = fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BreakerState reports the publisher circuit breaker state.
func (p *Publisher) BreakerState() gobreaker.State {
	return p.breaker.State()
}
