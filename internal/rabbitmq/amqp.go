package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used by the supervisor, publisher
// and subscriber. *amqp.Channel satisfies it directly.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp.Connection owned by the Supervisor.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string) (Connection, error)

// amqpConnection adapts *amqp.Connection to Connection.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// AMQPDialer returns a Dialer backed by amqp.DialConfig.
func AMQPDialer(dialTimeout, heartbeat time.Duration) Dialer {
	return func(url string) (Connection, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(dialTimeout),
		})
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
}
