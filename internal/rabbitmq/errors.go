package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrBrokerUnavailable = errors.New("rabbitmq: broker unavailable")
	ErrSupervisorClosed  = errors.New("rabbitmq: supervisor is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Topology errors
	ErrDeclareFailed = errors.New("rabbitmq: declaration rejected by broker")

	// Publisher errors
	ErrInvalidRoutingKey = errors.New("rabbitmq: invalid routing key")
	ErrInvalidPayload    = errors.New("rabbitmq: payload cannot be serialized")

	// Subscriber errors
	ErrInvalidPattern        = errors.New("rabbitmq: invalid routing key pattern")
	ErrNilHandler            = errors.New("rabbitmq: handler cannot be nil")
	ErrPayloadParse          = errors.New("rabbitmq: payload is not a structured record")
	ErrHandlerFailed         = errors.New("rabbitmq: handler failed")
	ErrSubscriptionCancelled = errors.New("rabbitmq: subscription cancelled")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports every connection error as broker unavailability.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrBrokerUnavailable
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	Pattern     string    // Bound routing key pattern
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for pattern %q on queue %q: %v",
		e.Op, e.Pattern, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrDeclareFailed, or ErrBrokerUnavailable when the
// declaration failed because the channel went away.
func (e *TopologyError) Is(target error) bool {
	switch target {
	case ErrDeclareFailed:
		return !isClosedError(e.Err)
	case ErrBrokerUnavailable:
		return isClosedError(e.Err)
	}
	return false
}

// ParseError is recorded when a delivery body is not a JSON object.
type ParseError struct {
	RoutingKey string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rabbitmq: cannot parse payload for %q: %v", e.RoutingKey, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrPayloadParse
}

// HandlerError wraps an error returned, or a panic raised, by a Handler.
type HandlerError struct {
	RoutingKey string
	Err        error
	Panic      any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("rabbitmq: handler panicked for %q: %v", e.RoutingKey, e.Panic)
	}
	return fmt.Sprintf("rabbitmq: handler failed for %q: %v", e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailed
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrInvalidRoutingKey),
		errors.Is(err, ErrInvalidPattern),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrNilHandler),
		errors.Is(err, ErrSupervisorClosed),
		errors.Is(err, ErrDeclareFailed):
		return false
	}

	return errors.Is(err, ErrBrokerUnavailable)
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// isClosedError reports whether err means the connection or channel is gone.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, ErrBrokerUnavailable) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.ChannelError || amqpErr.Code == amqp.ConnectionForced
	}
	return false
}

// SanitizeURL masks the password of an AMQP URL so it can be logged.
func SanitizeURL(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "***"
	}
	if uri.Password != "" {
		uri.Password = "***"
	}
	return uri.String()
}
