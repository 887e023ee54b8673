package eventbus

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/eventbus-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsIntegration(t *testing.T) {
	t.Run("WithMetrics reports client activity", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		collector := metrics.NewCollector("eventbus")
		client := newTestClient(t, broker, WithMetrics(collector))
		ctx := context.Background()

		registry := prometheus.NewPedanticRegistry()
		require.NoError(t, registry.Register(client.Metrics()))

		handled := make(chan struct{}, 1)
		_, err := client.Subscribe(ctx, "post.*", func(context.Context, Record) error {
			handled <- struct{}{}
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, client.Publish(ctx, "post.created", Record{"postId": "p-1"}))
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}

		expected := `
# HELP eventbus_events_published_total Events handed to the broker, by routing key and result.
# TYPE eventbus_events_published_total counter
eventbus_events_published_total{result="success",routing_key="post.created"} 1
`
		require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "eventbus_events_published_total"))

		expected = `
# HELP eventbus_events_delivered_total Deliveries settled by subscriptions, by pattern and outcome.
# TYPE eventbus_events_delivered_total counter
eventbus_events_delivered_total{outcome="acked",pattern="post.*"} 1
`
		assert.Eventually(t, func() bool {
			return testutil.GatherAndCompare(registry, strings.NewReader(expected), "eventbus_events_delivered_total") == nil
		}, 2*time.Second, 5*time.Millisecond)

		expected = `
# HELP eventbus_broker_connection_state 1 for the current broker connection state, 0 otherwise.
# TYPE eventbus_broker_connection_state gauge
eventbus_broker_connection_state{state="closed"} 0
eventbus_broker_connection_state{state="connecting"} 0
eventbus_broker_connection_state{state="disconnected"} 0
eventbus_broker_connection_state{state="ready"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "eventbus_broker_connection_state"))
	})

	t.Run("failed publishes are counted", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetDialError(rabbitmqtest.ErrDialRefused)
		collector := metrics.NewCollector("eventbus")
		client := newTestClient(t, broker, WithMetrics(collector))

		assert.Error(t, client.Publish(context.Background(), "post.created", Record{"id": "1"}))
		registry := prometheus.NewPedanticRegistry()
		require.NoError(t, registry.Register(collector))

		expected := `
# HELP eventbus_events_published_total Events handed to the broker, by routing key and result.
# TYPE eventbus_events_published_total counter
eventbus_events_published_total{result="failure",routing_key="post.created"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "eventbus_events_published_total"))
	})
}
