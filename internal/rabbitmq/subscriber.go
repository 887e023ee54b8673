package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/eventbus-go/internal/reliability"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one decoded event. A returned error or a panic
// dead-letters the delivery.
type Handler func(ctx context.Context, record Record) error

type routingKeyCtxKey struct{}

// RoutingKeyFromContext returns the routing key of the delivery being handled.
func RoutingKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(routingKeyCtxKey{}).(string)
	return key, ok
}

// Subscriber binds exclusive, broker-named queues to the supervised exchange
// and dispatches their deliveries to handlers.
type Subscriber struct {
	supervisor       *Supervisor
	logger           *slog.Logger
	metrics          MetricsCollector
	tracker          reliability.RedeliveryTracker
	failures         reliability.FailureStore
	maxParseAttempts int
	resubscribe      bool
	restoreTimeout   time.Duration

	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	closed        bool
}

// SubscriberOption configures the subscriber
type SubscriberOption func(*Subscriber)

// WithSubscriberLogger sets the logger
func WithSubscriberLogger(logger *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		s.logger = logger
	}
}

// WithResubscribe controls whether subscriptions are re-established after
// the supervisor reconnects.
func WithResubscribe(enabled bool) SubscriberOption {
	return func(s *Subscriber) {
		s.resubscribe = enabled
	}
}

// WithMaxParseAttempts sets how many times an unparseable delivery is
// requeued before it is dead-lettered. Zero requeues forever.
func WithMaxParseAttempts(attempts int) SubscriberOption {
	return func(s *Subscriber) {
		s.maxParseAttempts = attempts
	}
}

// WithSubscriberMetrics sets the metrics collector
func WithSubscriberMetrics(metrics MetricsCollector) SubscriberOption {
	return func(s *Subscriber) {
		s.metrics = metrics
	}
}

// WithRedeliveryTracker replaces the parse-failure attempt tracker
func WithRedeliveryTracker(tracker reliability.RedeliveryTracker) SubscriberOption {
	return func(s *Subscriber) {
		s.tracker = tracker
	}
}

// WithFailureStore records every dead-lettered delivery in store
func WithFailureStore(store reliability.FailureStore) SubscriberOption {
	return func(s *Subscriber) {
		s.failures = store
	}
}

// NewSubscriber creates a subscriber and registers it for connection state
// notifications.
func NewSubscriber(supervisor *Supervisor, options ...SubscriberOption) (*Subscriber, error) {
	s := &Subscriber{
		supervisor:       supervisor,
		logger:           supervisor.Logger(),
		metrics:          supervisor.metrics,
		maxParseAttempts: 5,
		resubscribe:      true,
		restoreTimeout:   30 * time.Second,
		subscriptions:    make(map[string]*Subscription),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.maxParseAttempts < 0 {
		return nil, fmt.Errorf("%w: max parse attempts must not be negative", ErrInvalidConfiguration)
	}

	if s.tracker == nil {
		tracker, err := reliability.NewHeaderTracker(reliability.DefaultTrackerSize)
		if err != nil {
			return nil, err
		}
		s.tracker = tracker
	}

	supervisor.AddStateListener(s)
	return s, nil
}

// Subscription is one pattern bound to its own queue. The queue and consumer
// tag change when the subscription is re-established after a reconnect.
type Subscription struct {
	ID      string
	Pattern string

	handler    Handler
	subscriber *Subscriber
	ctx        context.Context
	cancel     context.CancelFunc

	// held while a consumer is being started
	startMu sync.Mutex

	mu          sync.Mutex
	queue       string
	consumerTag string
	ch          Channel
	done        chan struct{}
	cancelled   bool
}

// Queue returns the name of the broker-assigned queue
func (sub *Subscription) Queue() string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.queue
}

// ConsumerTag returns the tag of the current consumer
func (sub *Subscription) ConsumerTag() string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.consumerTag
}

// Active reports whether the subscription has a consumer on a live channel.
func (sub *Subscription) Active() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.activeLocked()
}

func (sub *Subscription) activeLocked() bool {
	if sub.cancelled || sub.ch == nil || sub.ch.IsClosed() {
		return false
	}
	select {
	case <-sub.done:
		return false
	default:
		return true
	}
}

// Subscribe binds a new exclusive queue to the exchange under pattern and
// starts delivering matching events to handler. It returns once the
// consumer is registered with the broker.
func (s *Subscriber) Subscribe(ctx context.Context, pattern string, handler Handler) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: subscriber is closed", ErrSubscriptionCancelled)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		ID:         uuid.NewString(),
		Pattern:    pattern,
		handler:    handler,
		subscriber: s,
		ctx:        subCtx,
		cancel:     cancel,
	}

	// Registered before the consumer starts so a reconnect racing with
	// start still restores it. restore waits on startMu.
	sub.startMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.startMu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: subscriber is closed", ErrSubscriptionCancelled)
	}
	s.subscriptions[sub.ID] = sub
	s.mu.Unlock()

	err := s.start(ctx, sub)
	if err != nil {
		sub.mu.Lock()
		sub.cancelled = true
		sub.mu.Unlock()
		s.remove(sub.ID)
	}
	sub.startMu.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}

	s.logger.Info("subscribed to events",
		"pattern", pattern,
		"queue", sub.Queue(),
		"consumer_tag", sub.ConsumerTag())

	return sub, nil
}

// start declares and binds a fresh queue for sub and launches its consumer.
// The caller holds sub.startMu.
func (s *Subscriber) start(ctx context.Context, sub *Subscription) error {
	consumerErr := func(op, queue, tag string, err error) error {
		return &ConsumerError{
			Queue:       queue,
			Pattern:     sub.Pattern,
			ConsumerTag: tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	ch, err := s.supervisor.EnsureChannel(ctx)
	if err != nil {
		return consumerErr("subscribe", "", "", err)
	}

	topology := s.supervisor.Topology()

	q, err := declareQueue(ch, topology.SubscriptionQueue())
	if err != nil {
		return consumerErr("declare queue", "", "", err)
	}

	binding := Binding{Queue: q.Name, Exchange: topology.Exchange.Name, RoutingKey: sub.Pattern}
	if err := bindQueue(ch, binding); err != nil {
		return consumerErr("bind queue", q.Name, "", err)
	}

	tag := "eventbus-" + uuid.NewString()
	deliveries, err := ch.Consume(
		q.Name,
		tag,
		false, // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		if isClosedError(err) {
			err = fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		return consumerErr("consume", q.Name, tag, err)
	}

	done := make(chan struct{})

	sub.mu.Lock()
	if sub.cancelled {
		sub.mu.Unlock()
		_ = ch.Cancel(tag, false)
		_, _ = ch.QueueDelete(q.Name, false, false, false)
		return consumerErr("consume", q.Name, tag, ErrSubscriptionCancelled)
	}
	sub.queue = q.Name
	sub.consumerTag = tag
	sub.ch = ch
	sub.done = done
	sub.mu.Unlock()

	go s.consume(sub, deliveries, done)
	return nil
}

// consume runs the delivery loop of one consumer until the subscription is
// cancelled or the broker closes the delivery channel.
func (s *Subscriber) consume(sub *Subscription, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-sub.ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				if sub.ctx.Err() == nil {
					s.logger.Warn("delivery channel closed",
						"pattern", sub.Pattern,
						"queue", sub.Queue(),
						"resubscribe", s.resubscribe)
				}
				return
			}
			s.handleDelivery(sub, d)
		}
	}
}

func (s *Subscriber) handleDelivery(sub *Subscription, d amqp.Delivery) {
	record, err := DecodeRecord(d.Body)
	if err != nil {
		s.rejectUnparseable(sub, d, &ParseError{RoutingKey: d.RoutingKey, Err: err})
		return
	}

	ctx := context.WithValue(sub.ctx, routingKeyCtxKey{}, d.RoutingKey)
	if err := invoke(ctx, sub.handler, d.RoutingKey, record); err != nil {
		s.logger.Error("event handler failed, dead-lettering",
			"pattern", sub.Pattern,
			"routing_key", d.RoutingKey,
			"error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			s.logger.Error("failed to nack message", "error", nackErr, "routing_key", d.RoutingKey)
		}
		s.metrics.RecordDelivery(sub.Pattern, OutcomeDeadLettered)
		s.recordFailure(sub, d, reliability.ReasonHandlerFailed, err, 1)
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		s.logger.Error("failed to ack message", "error", ackErr, "routing_key", d.RoutingKey)
	}
	s.metrics.RecordDelivery(sub.Pattern, OutcomeAcked)
}

// rejectUnparseable requeues a delivery whose body is not a JSON object,
// dead-lettering it once the attempt limit is reached.
func (s *Subscriber) rejectUnparseable(sub *Subscription, d amqp.Delivery, parseErr *ParseError) {
	attempt := s.tracker.Attempt(d)

	if s.maxParseAttempts > 0 && attempt >= s.maxParseAttempts {
		s.tracker.Forget(d)
		s.logger.Warn("dead-lettering unparseable event",
			"pattern", sub.Pattern,
			"routing_key", d.RoutingKey,
			"attempt", attempt,
			"error", parseErr)
		if err := d.Nack(false, false); err != nil {
			s.logger.Error("failed to nack message", "error", err, "routing_key", d.RoutingKey)
		}
		s.metrics.RecordDelivery(sub.Pattern, OutcomeDeadLettered)
		s.recordFailure(sub, d, reliability.ReasonUnparseable, parseErr, attempt)
		return
	}

	s.logger.Warn("requeueing unparseable event",
		"pattern", sub.Pattern,
		"routing_key", d.RoutingKey,
		"attempt", attempt,
		"error", parseErr)
	if err := d.Nack(false, true); err != nil {
		s.logger.Error("failed to nack message", "error", err, "routing_key", d.RoutingKey)
	}
	s.metrics.RecordDelivery(sub.Pattern, OutcomeRequeued)
}

func (s *Subscriber) recordFailure(sub *Subscription, d amqp.Delivery, reason reliability.FailureReason, cause error, attempts int) {
	if s.failures == nil {
		return
	}

	failure := &reliability.Failure{
		RoutingKey: d.RoutingKey,
		Pattern:    sub.Pattern,
		Queue:      sub.Queue(),
		Reason:     reason,
		Error:      cause.Error(),
		Attempts:   attempts,
		Body:       string(d.Body),
		Headers:    d.Headers,
		OccurredAt: time.Now(),
	}
	if err := s.failures.Store(context.WithoutCancel(sub.ctx), failure); err != nil {
		s.logger.Error("failed to record dead-lettered event", "error", err, "routing_key", d.RoutingKey)
	}
}

// invoke calls handler, converting a returned error or a panic into a
// *HandlerError.
func invoke(ctx context.Context, handler Handler, routingKey string, record Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{RoutingKey: routingKey, Panic: r}
		}
	}()

	if herr := handler(ctx, record); herr != nil {
		return &HandlerError{RoutingKey: routingKey, Err: herr}
	}
	return nil
}

// Cancel stops consuming, deletes the subscription's queue and waits for the
// delivery loop to finish. It must not be called from the subscription's own
// handler.
func (sub *Subscription) Cancel(ctx context.Context) error {
	s := sub.subscriber

	sub.mu.Lock()
	alreadyCancelled := sub.cancelled
	sub.cancelled = true
	ch, queue, tag, done := sub.ch, sub.queue, sub.consumerTag, sub.done
	sub.mu.Unlock()

	sub.cancel()

	var err error
	if !alreadyCancelled {
		s.remove(sub.ID)

		if ch != nil && !ch.IsClosed() {
			if cerr := ch.Cancel(tag, false); cerr != nil && !isClosedError(cerr) {
				err = &ConsumerError{Queue: queue, Pattern: sub.Pattern, ConsumerTag: tag, Op: "cancel", Err: cerr, Timestamp: time.Now()}
			}
			if _, derr := ch.QueueDelete(queue, false, false, false); derr != nil && !isClosedError(derr) && err == nil {
				err = &ConsumerError{Queue: queue, Pattern: sub.Pattern, ConsumerTag: tag, Op: "delete queue", Err: derr, Timestamp: time.Now()}
			}
		}
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("wait for subscription %s to stop: %w", sub.ID, ctx.Err())
		}
	}

	if !alreadyCancelled {
		s.logger.Info("subscription cancelled", "pattern", sub.Pattern, "queue", queue)
	}
	return err
}

func (s *Subscriber) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
}

// Subscriptions returns the subscriptions that have not been cancelled.
func (s *Subscriber) Subscriptions() []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]*Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// Close cancels every subscription and stops listening for reconnects.
func (s *Subscriber) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.supervisor.RemoveStateListener(s)

	var errs []error
	for _, sub := range s.Subscriptions() {
		if err := sub.Cancel(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnConnected re-establishes subscriptions that lost their consumer.
func (s *Subscriber) OnConnected() {
	if !s.resubscribe {
		return
	}

	for _, sub := range s.Subscriptions() {
		s.restore(sub)
	}
}

// OnDisconnected implements ConnectionStateListener
func (s *Subscriber) OnDisconnected(err error) {
	s.mu.RLock()
	n := len(s.subscriptions)
	s.mu.RUnlock()

	if n > 0 {
		s.logger.Warn("subscriptions interrupted by broker disconnect",
			"subscriptions", n,
			"error", err)
	}
}

// OnReconnecting implements ConnectionStateListener
func (s *Subscriber) OnReconnecting(int) {}

func (s *Subscriber) restore(sub *Subscription) {
	sub.startMu.Lock()
	defer sub.startMu.Unlock()

	sub.mu.Lock()
	if sub.cancelled || sub.activeLocked() {
		sub.mu.Unlock()
		return
	}
	done := sub.done
	sub.mu.Unlock()

	// the old loop exits once the broker closes its delivery channel
	if done != nil {
		select {
		case <-done:
		case <-sub.ctx.Done():
			return
		}
	}

	ctx, cancel := context.WithTimeout(sub.ctx, s.restoreTimeout)
	defer cancel()

	if err := s.start(ctx, sub); err != nil {
		if !errors.Is(err, ErrSubscriptionCancelled) {
			s.logger.Error("failed to re-establish subscription",
				"pattern", sub.Pattern,
				"error", err)
		}
		return
	}

	s.logger.Info("subscription re-established",
		"pattern", sub.Pattern,
		"queue", sub.Queue(),
		"consumer_tag", sub.ConsumerTag())
}
