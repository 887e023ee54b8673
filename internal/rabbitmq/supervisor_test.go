package rabbitmq_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	"github.com/glimte/eventbus-go/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorConnect(t *testing.T) {
	t.Run("connects lazily", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sup := newTestSupervisor(t, broker)

		assert.Equal(t, 0, broker.Dials())
		assert.Equal(t, rabbitmq.StateDisconnected, sup.State())

		ch, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, ch)
		assert.Equal(t, 1, broker.Dials())
		assert.Equal(t, rabbitmq.StateReady, sup.State())
		assert.True(t, sup.IsConnected())
	})

	t.Run("declares the exchange and dead-letter topology", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sup := newTestSupervisor(t, broker)

		_, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)

		assert.Equal(t, amqp.ExchangeTopic, broker.ExchangeKind("facebook_events"))
		assert.Equal(t, amqp.ExchangeFanout, broker.ExchangeKind("facebook_events.dlx"))
		assert.Contains(t, broker.Queues(), "facebook_events.dead-letter")
	})

	t.Run("reuses the live channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sup := newTestSupervisor(t, broker)

		ch1, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)
		ch2, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)

		assert.Same(t, ch1, ch2)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("concurrent first callers share one dial", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetDialDelay(50 * time.Millisecond)
		sup := newTestSupervisor(t, broker)

		const callers = 20
		channels := make([]rabbitmq.Channel, callers)
		errs := make([]error, callers)

		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				channels[i], errs[i] = sup.EnsureChannel(context.Background())
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, broker.Dials())
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Same(t, channels[0], channels[i])
		}
	})

	t.Run("initial failure is broker unavailable and is not retried", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetDialError(rabbitmqtest.ErrDialRefused)
		sup := newTestSupervisor(t, broker)

		_, err := sup.EnsureChannel(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, rabbitmq.ErrBrokerUnavailable)
		assert.ErrorIs(t, err, rabbitmqtest.ErrDialRefused)

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
		assert.NotContains(t, connErr.URL, "guest:guest")

		assert.Equal(t, rabbitmq.StateDisconnected, sup.State())
		assert.Equal(t, err, sup.LastError())

		time.Sleep(5 * testReconnect)
		assert.Equal(t, 1, broker.Dials())

		broker.SetDialError(nil)
		_, err = sup.EnsureChannel(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, broker.Dials())
		assert.NoError(t, sup.LastError())
	})

	t.Run("rejected declaration is a declare failure", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()

		conn, err := broker.Dial(testURL)
		require.NoError(t, err)
		ch, err := conn.Channel()
		require.NoError(t, err)
		require.NoError(t, ch.ExchangeDeclare("facebook_events", amqp.ExchangeFanout, true, false, false, false, nil))

		sup := newTestSupervisor(t, broker)
		_, err = sup.EnsureChannel(context.Background())

		require.Error(t, err)
		assert.ErrorIs(t, err, rabbitmq.ErrDeclareFailed)
		assert.NotErrorIs(t, err, rabbitmq.ErrBrokerUnavailable)

		var topologyErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topologyErr)
		assert.Equal(t, "exchange", topologyErr.Component)
		assert.Equal(t, "facebook_events", topologyErr.Name)
		assert.False(t, sup.IsConnected())
	})

	t.Run("context cancellation stops waiting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetDialDelay(200 * time.Millisecond)
		sup := newTestSupervisor(t, broker)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := sup.EnsureChannel(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestSupervisorReconnect(t *testing.T) {
	t.Run("reconnects after the broker closes the connection", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		metrics := newRecordingMetrics()
		listener := &stateListener{}
		sup := newTestSupervisor(t, broker, rabbitmq.WithMetrics(metrics))
		sup.AddStateListener(listener)

		_, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)

		broker.KillConnections()

		require.Eventually(t, func() bool {
			return sup.IsConnected() && broker.Dials() == 2
		}, eventualTimeout, eventualInterval)

		require.Eventually(t, func() bool {
			connected, disconnected, reconnecting := listener.stats()
			return connected == 2 && disconnected == 1 && reconnecting == 1
		}, eventualTimeout, eventualInterval)

		listener.mu.Lock()
		var amqpErr *amqp.Error
		assert.ErrorAs(t, listener.lastErr, &amqpErr)
		listener.mu.Unlock()

		assert.Equal(t, []bool{true}, metrics.reconnectAttempts())
		assert.True(t, broker.HasExchange("facebook_events"))
	})

	t.Run("keeps retrying at the flat delay until the broker returns", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		metrics := newRecordingMetrics()
		sup := newTestSupervisor(t, broker, rabbitmq.WithMetrics(metrics))

		_, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)

		broker.SetDialError(rabbitmqtest.ErrDialRefused)
		broker.KillConnections()

		require.Eventually(t, func() bool {
			return broker.Dials() >= 4
		}, eventualTimeout, eventualInterval)
		assert.False(t, sup.IsConnected())

		broker.SetDialError(nil)
		require.Eventually(t, sup.IsConnected, eventualTimeout, eventualInterval)

		attempts := metrics.reconnectAttempts()
		require.NotEmpty(t, attempts)
		assert.True(t, attempts[len(attempts)-1])
		assert.False(t, attempts[0])
	})

	t.Run("fails fast while recovering", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sup := newTestSupervisor(t, broker)

		_, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)

		broker.SetDialError(rabbitmqtest.ErrDialRefused)
		broker.KillConnections()

		require.Eventually(t, func() bool {
			return !sup.IsConnected()
		}, eventualTimeout, eventualInterval)

		_, err = sup.EnsureChannel(context.Background())
		assert.ErrorIs(t, err, rabbitmq.ErrBrokerUnavailable)
		assert.True(t, rabbitmq.IsRetryable(err))

		broker.SetDialError(nil)
		require.Eventually(t, sup.IsConnected, eventualTimeout, eventualInterval)

		_, err = sup.EnsureChannel(context.Background())
		assert.NoError(t, err)
	})

	t.Run("reopens a channel closed by the broker without redialing", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sup := newTestSupervisor(t, broker)

		ch1, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)

		broker.CloseChannels()

		require.Eventually(t, func() bool {
			ch, err := sup.EnsureChannel(context.Background())
			return err == nil && ch != ch1
		}, eventualTimeout, eventualInterval)

		assert.Equal(t, 1, broker.Dials())
		assert.Equal(t, 1, broker.Connections())
	})
}

func TestSupervisorClose(t *testing.T) {
	t.Run("close is final", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sup := newTestSupervisor(t, broker)

		_, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)

		require.NoError(t, sup.Close())
		assert.Equal(t, rabbitmq.StateClosed, sup.State())
		assert.Equal(t, 0, broker.Connections())

		_, err = sup.EnsureChannel(context.Background())
		assert.ErrorIs(t, err, rabbitmq.ErrSupervisorClosed)

		assert.NoError(t, sup.Close())
	})

	t.Run("close stops the reconnect loop", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sup := newTestSupervisor(t, broker)

		_, err := sup.EnsureChannel(context.Background())
		require.NoError(t, err)

		broker.SetDialError(rabbitmqtest.ErrDialRefused)
		broker.KillConnections()
		require.Eventually(t, func() bool {
			return broker.Dials() >= 2
		}, eventualTimeout, eventualInterval)

		require.NoError(t, sup.Close())
		dials := broker.Dials()

		time.Sleep(5 * testReconnect)
		assert.Equal(t, dials, broker.Dials())
	})

	t.Run("close before connecting", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		sup := newTestSupervisor(t, broker)

		assert.NoError(t, sup.Close())
		assert.Equal(t, 0, broker.Dials())
	})
}
