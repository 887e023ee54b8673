package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/eventbus-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of the supervised connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// Supervisor owns the broker connection and its single channel. It connects
// lazily, redeclares the topology on every new channel and reconnects in
// the background after the broker closes an established connection.
type Supervisor struct {
	url           string
	dial          Dialer
	dialTimeout   time.Duration
	heartbeat     time.Duration
	topology      Topology
	backoff       reliability.Backoff
	prefetchCount int
	logger        *slog.Logger
	metrics       MetricsCollector

	connectGroup singleflight.Group

	mu         sync.RWMutex
	conn       Connection
	ch         Channel
	state      State
	lastErr    error
	recovering bool
	done       chan struct{}
	wg         sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// SupervisorOption configures the Supervisor
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithReconnectDelay sets a flat delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.backoff = reliability.NewFixedDelay(delay)
	}
}

// WithBackoff replaces the reconnection backoff policy
func WithBackoff(backoff reliability.Backoff) SupervisorOption {
	return func(s *Supervisor) {
		s.backoff = backoff
	}
}

// WithTopology sets the exchange and dead-letter topology
func WithTopology(topology Topology) SupervisorOption {
	return func(s *Supervisor) {
		s.topology = topology
	}
}

// WithExchange sets the topic exchange
func WithExchange(exchange ExchangeDeclaration) SupervisorOption {
	return func(s *Supervisor) {
		s.topology.Exchange = exchange
	}
}

// WithDeadLetter sets the dead-letter exchange and queue
func WithDeadLetter(deadLetter DeadLetterDeclaration) SupervisorOption {
	return func(s *Supervisor) {
		s.topology.DeadLetter = deadLetter
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) SupervisorOption {
	return func(s *Supervisor) {
		s.dial = dial
	}
}

// WithDialTimeout sets the TCP dial timeout of the default dialer
func WithDialTimeout(timeout time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.dialTimeout = timeout
	}
}

// WithHeartbeat sets the heartbeat interval of the default dialer
func WithHeartbeat(heartbeat time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.heartbeat = heartbeat
	}
}

// WithPrefetchCount limits unacknowledged deliveries per consumer
func WithPrefetchCount(count int) SupervisorOption {
	return func(s *Supervisor) {
		s.prefetchCount = count
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = metrics
	}
}

// NewSupervisor creates a supervisor for url. No connection is opened until
// the first EnsureChannel call.
func NewSupervisor(url string, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		url:         url,
		dialTimeout: 30 * time.Second,
		heartbeat:   10 * time.Second,
		topology:    DefaultTopology(),
		backoff:     reliability.NewFixedDelay(5 * time.Second),
		logger:      slog.Default(),
		metrics:     NoOpMetricsCollector{},
		state:       StateDisconnected,
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	if s.dial == nil {
		s.dial = AMQPDialer(s.dialTimeout, s.heartbeat)
	}

	return s
}

// Topology returns the topology declared on every channel
func (s *Supervisor) Topology() Topology {
	return s.topology
}

// Logger returns the supervisor's logger
func (s *Supervisor) Logger() *slog.Logger {
	return s.logger
}

// EnsureChannel returns the live channel, connecting first if needed.
// Concurrent callers share a single connection attempt. While the
// supervisor is recovering a lost connection it fails fast with
// ErrBrokerUnavailable.
func (s *Supervisor) EnsureChannel(ctx context.Context) (Channel, error) {
	s.mu.RLock()
	state, ch, recovering, lastErr := s.state, s.ch, s.recovering, s.lastErr
	s.mu.RUnlock()

	switch {
	case state == StateClosed:
		return nil, ErrSupervisorClosed
	case state == StateReady && ch != nil && !ch.IsClosed():
		return ch, nil
	case recovering:
		if lastErr == nil {
			lastErr = amqp.ErrClosed
		}
		return nil, &ConnectionError{
			Op:        "ensure channel",
			URL:       SanitizeURL(s.url),
			Err:       fmt.Errorf("reconnecting: %w", lastErr),
			Timestamp: time.Now(),
		}
	}

	select {
	case res := <-s.connectGroup.DoChan("connect", func() (interface{}, error) {
		return s.connect()
	}):
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Channel), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for broker connection: %w", ctx.Err())
	}
}

// State returns the current connection state
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether a live channel is available
func (s *Supervisor) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateReady && s.ch != nil && !s.ch.IsClosed()
}

// LastError returns the error that caused the most recent disconnect or
// failed connection attempt.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Close stops reconnection and closes the channel and connection.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateClosed)
	close(s.done)
	conn, ch := s.conn, s.ch
	s.conn, s.ch = nil, nil
	s.mu.Unlock()

	var err error
	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	s.wg.Wait()
	s.logger.Info("connection supervisor closed")
	return err
}

// connect makes the supervisor Ready: it dials when there is no usable
// connection, then opens a channel and declares the topology.
func (s *Supervisor) connect() (Channel, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrSupervisorClosed
	}
	if s.state == StateReady && s.ch != nil && !s.ch.IsClosed() {
		ch := s.ch
		s.mu.Unlock()
		return ch, nil
	}
	conn := s.conn
	if conn != nil && conn.IsClosed() {
		conn = nil
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	fresh := conn == nil
	if fresh {
		c, err := s.dial(s.url)
		if err != nil {
			connErr := &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(s.url),
				Err:       err,
				Timestamp: time.Now(),
				Attempts:  1,
			}
			s.fail(connErr)
			return nil, connErr
		}
		conn = c
	}

	ch, err := s.openChannel(conn)
	if err != nil {
		if fresh {
			_ = conn.Close()
		}
		s.fail(err)
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		_ = ch.Close()
		if fresh {
			_ = conn.Close()
		}
		return nil, ErrSupervisorClosed
	}
	s.conn, s.ch = conn, ch
	s.lastErr = nil
	s.recovering = false
	s.setStateLocked(StateReady)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.watch(conn, ch)

	if fresh {
		s.logger.Info("connected to broker",
			"url", SanitizeURL(s.url),
			"exchange", s.topology.Exchange.Name)
	} else {
		s.logger.Info("broker channel reopened", "exchange", s.topology.Exchange.Name)
	}
	s.notifyConnected()

	return ch, nil
}

// openChannel opens a channel on conn, applies QoS and declares the topology.
func (s *Supervisor) openChannel(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(s.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if s.prefetchCount > 0 {
		if err := ch.Qos(s.prefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return nil, &ConnectionError{
				Op:        "set qos",
				URL:       SanitizeURL(s.url),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	if err := s.topology.Declare(ch); err != nil {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		return nil, err
	}

	return ch, nil
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.lastErr = err
	s.setStateLocked(StateDisconnected)
}

// watch waits for the first close notification of conn or ch.
func (s *Supervisor) watch(conn Connection, ch Channel) {
	defer s.wg.Done()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-s.done:
	case err := <-connClosed:
		s.handleConnectionLoss(conn, err)
	case err := <-chClosed:
		if conn.IsClosed() {
			s.handleConnectionLoss(conn, err)
			return
		}
		s.handleChannelLoss(conn, ch, err)
	}
}

func (s *Supervisor) handleConnectionLoss(conn Connection, amqpErr *amqp.Error) {
	var err error = amqp.ErrClosed
	if amqpErr != nil {
		err = amqpErr
	}

	s.mu.Lock()
	if s.state == StateClosed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn, s.ch = nil, nil
	s.lastErr = err
	s.recovering = true
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.logger.Warn("broker connection closed, reconnecting",
		"error", err,
		"url", SanitizeURL(s.url))
	s.notifyDisconnected(err)

	s.reconnect()
}

func (s *Supervisor) handleChannelLoss(conn Connection, ch Channel, amqpErr *amqp.Error) {
	var err error = amqp.ErrClosed
	if amqpErr != nil {
		err = amqpErr
	}

	s.mu.Lock()
	if s.state == StateClosed || s.ch != ch {
		s.mu.Unlock()
		return
	}
	s.ch = nil
	s.lastErr = err
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.logger.Warn("broker channel closed, reopening", "error", err)
	s.notifyDisconnected(err)

	_, reopenErr := s.connectShared()
	if reopenErr == nil || errors.Is(reopenErr, ErrSupervisorClosed) {
		return
	}
	s.logger.Error("failed to reopen channel", "error", reopenErr)

	// The connection cannot serve a channel; replace it.
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateReady {
		s.mu.Unlock()
		return
	}
	s.conn, s.ch = nil, nil
	s.recovering = true
	s.mu.Unlock()

	_ = conn.Close()
	s.reconnect()
}

// reconnect retries until a connection is established or the supervisor
// is closed.
func (s *Supervisor) reconnect() {
	for attempt := 0; ; attempt++ {
		delay := s.backoff.NextDelay(attempt)

		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}

		s.logger.Info("attempting to reconnect", "attempt", attempt+1)
		s.notifyReconnecting(attempt + 1)

		_, err := s.connectShared()
		s.metrics.RecordReconnectAttempt(err == nil)
		if err == nil {
			s.logger.Info("successfully reconnected to broker", "attempts", attempt+1)
			return
		}
		if errors.Is(err, ErrSupervisorClosed) {
			return
		}

		s.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt+1,
			"nextRetryIn", s.backoff.NextDelay(attempt+1))
	}
}

func (s *Supervisor) connectShared() (Channel, error) {
	v, err, _ := s.connectGroup.Do("connect", func() (interface{}, error) {
		return s.connect()
	})
	if err != nil {
		return nil, err
	}
	return v.(Channel), nil
}

func (s *Supervisor) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	s.metrics.RecordConnectionState(state)
}

// AddStateListener adds a connection state listener
func (s *Supervisor) AddStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (s *Supervisor) RemoveStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) snapshotListeners() []ConnectionStateListener {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), s.listeners...)
}

func (s *Supervisor) notifyConnected() {
	for _, listener := range s.snapshotListeners() {
		go listener.OnConnected()
	}
}

func (s *Supervisor) notifyDisconnected(err error) {
	for _, listener := range s.snapshotListeners() {
		go listener.OnDisconnected(err)
	}
}

func (s *Supervisor) notifyReconnecting(attempt int) {
	for _, listener := range s.snapshotListeners() {
		go listener.OnReconnecting(attempt)
	}
}
