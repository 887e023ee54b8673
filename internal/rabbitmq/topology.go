package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchangeName is the topic exchange every service publishes to.
const DefaultExchangeName = "facebook_events"

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// DeadLetterDeclaration describes where rejected deliveries end up. An empty
// Exchange disables dead-lettering.
type DeadLetterDeclaration struct {
	Exchange string
	Queue    string
}

// Topology is the set of entities redeclared on every (re)established channel.
type Topology struct {
	Exchange   ExchangeDeclaration
	DeadLetter DeadLetterDeclaration
}

// DefaultTopology returns the non-durable topic exchange plus its dead-letter
// exchange and queue.
func DefaultTopology() Topology {
	return Topology{
		Exchange: ExchangeDeclaration{
			Name: DefaultExchangeName,
			Type: amqp.ExchangeTopic,
		},
		DeadLetter: DefaultDeadLetter(DefaultExchangeName),
	}
}

// DefaultDeadLetter derives dead-letter names from the exchange name.
func DefaultDeadLetter(exchange string) DeadLetterDeclaration {
	return DeadLetterDeclaration{
		Exchange: exchange + ".dlx",
		Queue:    exchange + ".dead-letter",
	}
}

// Declare idempotently declares the topology on ch.
func (t Topology) Declare(ch Channel) error {
	if err := declareExchange(ch, t.Exchange); err != nil {
		return err
	}

	if t.DeadLetter.Exchange == "" {
		return nil
	}

	dlx := ExchangeDeclaration{Name: t.DeadLetter.Exchange, Type: amqp.ExchangeFanout, Durable: true}
	if err := declareExchange(ch, dlx); err != nil {
		return err
	}

	if t.DeadLetter.Queue == "" {
		return nil
	}

	dlq := QueueDeclaration{Name: t.DeadLetter.Queue, Durable: true}
	if _, err := declareQueue(ch, dlq); err != nil {
		return err
	}

	return bindQueue(ch, Binding{Queue: dlq.Name, Exchange: dlx.Name, RoutingKey: "#"})
}

// SubscriptionQueue is the exclusive, broker-named queue backing one subscription.
func (t Topology) SubscriptionQueue() QueueDeclaration {
	q := QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	}
	if t.DeadLetter.Exchange != "" {
		q.Arguments = amqp.Table{"x-dead-letter-exchange": t.DeadLetter.Exchange}
	}
	return q
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}
