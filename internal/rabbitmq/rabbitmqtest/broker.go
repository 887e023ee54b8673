// Package rabbitmqtest provides an in-memory AMQP broker implementing the
// rabbitmq Connection and Channel interfaces. It models exchanges (topic,
// fanout, direct), exclusive and auto-delete queues, manual acknowledgement
// with requeue, dead-letter exchanges and broker-initiated connection loss.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/eventbus-go/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialRefused is returned by Dial while dial failures are injected.
var ErrDialRefused = errors.New("rabbitmqtest: connection refused")

const defaultPrefetch = 256

// Message is a message routed by the broker.
type Message struct {
	Exchange    string
	RoutingKey  string
	ContentType string
	Headers     amqp.Table
	Body        []byte
	Redelivered bool
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	bindings   []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Conn
	args       amqp.Table
	messages   []Message
	consumers  []*consumer
	next       int
}

type consumer struct {
	tag         string
	queue       *queue
	ch          *Channel
	autoAck     bool
	out         chan amqp.Delivery
	outstanding int
}

type pending struct {
	msg      Message
	queue    string
	consumer *consumer
}

// Broker is an in-memory broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	published []Message

	dials      int
	dialErr    error
	dialDelay  time.Duration
	channelErr error
	seq        int
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial opens a connection. It matches rabbitmq.Dialer.
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	b.dials++
	delay, err := b.dialDelay, b.dialErr
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	return c, nil
}

// Dials returns the number of Dial calls so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetDialError makes subsequent dials fail with err. A nil err lets them
// succeed again.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetDialDelay delays every dial by d.
func (b *Broker) SetDialDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialDelay = d
}

// SetChannelError makes Conn.Channel fail with err. A nil err clears it.
func (b *Broker) SetChannelError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// KillConnections closes every connection as if the broker had been
// restarted.
func (b *Broker) KillConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}
	for c := range b.conns {
		b.closeConnLocked(c, err)
	}
}

// CloseChannels raises a channel exception on every open channel while
// leaving connections intact.
func (b *Broker) CloseChannels() {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := &amqp.Error{Code: amqp.ChannelError, Reason: "CHANNEL_ERROR - forced by test", Server: true}
	for c := range b.conns {
		for ch := range c.channels {
			b.closeChannelLocked(ch, err)
		}
	}
}

// HasExchange reports whether name has been declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// ExchangeKind returns the type of a declared exchange.
func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		return ex.kind
	}
	return ""
}

// Queues returns the names of all queues.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// QueueArgs returns the declaration arguments of a queue.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Messages returns the ready messages of a queue.
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]Message(nil), q.messages...)
}

// Published returns every message accepted by PublishWithContext.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

func (b *Broker) nextName(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s%d", prefix, b.seq)
}

func (b *Broker) closeConnLocked(c *Conn, err *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	delete(b.conns, c)

	for ch := range c.channels {
		b.closeChannelLocked(ch, err)
	}
	for name, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(name)
		}
	}
	notifyLocked(c.notify, err)
	c.notify = nil
}

func (b *Broker) closeChannelLocked(ch *Channel, err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	for _, c := range ch.consumers {
		b.removeConsumerLocked(c)
	}
	ch.consumers = nil

	requeued := make(map[string]bool)
	for tag, p := range ch.unacked {
		delete(ch.unacked, tag)
		if q, ok := b.queues[p.queue]; ok {
			p.msg.Redelivered = true
			q.messages = append([]Message{p.msg}, q.messages...)
			requeued[q.name] = true
		}
	}
	for name := range requeued {
		b.dispatchLocked(b.queues[name])
	}

	notifyLocked(ch.notify, err)
	ch.notify = nil
}

func notifyLocked(listeners []chan *amqp.Error, err *amqp.Error) {
	for _, c := range listeners {
		if err != nil {
			select {
			case c <- err:
			default:
			}
		}
		close(c)
	}
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	close(c.out)

	if q.autoDelete && len(q.consumers) == 0 {
		b.deleteQueueLocked(q.name)
	}
}

func (b *Broker) deleteQueueLocked(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	delete(b.queues, name)

	for _, c := range append([]*consumer(nil), q.consumers...) {
		for i, other := range c.ch.consumers {
			if other == c {
				c.ch.consumers = append(c.ch.consumers[:i], c.ch.consumers[i+1:]...)
				break
			}
		}
		close(c.out)
	}
	q.consumers = nil

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
	return len(q.messages)
}

// routeLocked delivers msg to every queue bound to exchangeName that matches
// its routing key.
func (b *Broker) routeLocked(exchangeName string, msg Message) {
	if exchangeName == "" {
		if q, ok := b.queues[msg.RoutingKey]; ok {
			q.messages = append(q.messages, msg)
			b.dispatchLocked(q)
		}
		return
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return
	}

	seen := make(map[string]bool)
	for _, bd := range ex.bindings {
		if seen[bd.queue] || !matches(ex.kind, bd.key, msg.RoutingKey) {
			continue
		}
		seen[bd.queue] = true
		if q, ok := b.queues[bd.queue]; ok {
			q.messages = append(q.messages, msg)
			b.dispatchLocked(q)
		}
	}
}

func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return rabbitmq.MatchPattern(bindingKey, routingKey)
	default:
		return bindingKey == routingKey
	}
}

// deadLetterLocked routes a rejected message to the queue's dead-letter
// exchange, if one is configured.
func (b *Broker) deadLetterLocked(q *queue, msg Message) {
	if q == nil || q.args == nil {
		return
	}
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}

	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = "rejected"
	msg.Headers = headers
	msg.Redelivered = false
	b.routeLocked(dlx, msg)
}

// dispatchLocked hands ready messages to consumers round-robin while they
// have prefetch capacity.
func (b *Broker) dispatchLocked(q *queue) {
	if q == nil {
		return
	}
	for len(q.messages) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}

		msg := q.messages[0]
		q.messages = q.messages[1:]

		ch := c.ch
		ch.deliveryTag++
		tag := ch.deliveryTag
		d := amqp.Delivery{
			Acknowledger: ch,
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			ConsumerTag:  c.tag,
			DeliveryTag:  tag,
			Redelivered:  msg.Redelivered,
			Exchange:     msg.Exchange,
			RoutingKey:   msg.RoutingKey,
			Body:         msg.Body,
		}
		if !c.autoAck {
			c.outstanding++
			ch.unacked[tag] = &pending{msg: msg, queue: q.name, consumer: c}
		}
		c.out <- d
	}
}

func (q *queue) nextConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.outstanding < c.ch.limit() && len(c.out) < cap(c.out) {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

// Conn is a fake connection.
type Conn struct {
	broker   *Broker
	closed   bool
	channels map[*Channel]struct{}
	notify   []chan *amqp.Error
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if b.channelErr != nil {
		return nil, b.channelErr
	}

	ch := &Channel{conn: c, broker: b, unacked: make(map[uint64]*pending)}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.broker.closeConnLocked(c, nil)
	return nil
}

// Channel is a fake channel. It also acknowledges its own deliveries.
type Channel struct {
	conn        *Conn
	broker      *Broker
	closed      bool
	prefetch    int
	deliveryTag uint64
	consumers   []*consumer
	unacked     map[uint64]*pending
	notify      []chan *amqp.Error
}

func (ch *Channel) limit() int {
	if ch.prefetch > 0 {
		return ch.prefetch
	}
	return defaultPrefetch
}

// exceptionLocked closes the channel with a server error, as the broker does
// for a failed declaration.
func (ch *Channel) exceptionLocked(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.broker.closeChannelLocked(ch, err)
	return err
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok {
		if existing.kind != kind || existing.durable != durable || existing.autoDelete != autoDelete {
			return ch.exceptionLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name))
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = b.nextName("amq.gen-")
	}
	if existing, ok := b.queues[name]; ok {
		if existing.exclusive && existing.owner != ch.conn {
			return amqp.Queue{}, ch.exceptionLocked(amqp.ResourceLocked,
				fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name))
		}
		if existing.durable != durable {
			return amqp.Queue{}, ch.exceptionLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(existing.messages), Consumers: len(existing.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive, args: args}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// QueueDelete implements rabbitmq.Channel
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}
	return b.deleteQueueLocked(name), nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if exclusive && len(q.consumers) > 0 {
		return nil, ch.exceptionLocked(amqp.AccessRefused,
			fmt.Sprintf("ACCESS_REFUSED - queue '%s' in use", queueName))
	}
	if tag == "" {
		tag = b.nextName("ctag-")
	}

	c := &consumer{
		tag:     tag,
		queue:   q,
		ch:      ch,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery, defaultPrefetch),
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.dispatchLocked(q)
	return c.out, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	for i, c := range ch.consumers {
		if c.tag == tag {
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			b.removeConsumerLocked(c)
			return nil
		}
	}
	return nil
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok && exchangeName != "" {
		// asynchronous channel exception on a real broker
		ch.exceptionLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
		return nil
	}

	m := Message{
		Exchange:    exchangeName,
		RoutingKey:  key,
		ContentType: msg.ContentType,
		Headers:     msg.Headers,
		Body:        append([]byte(nil), msg.Body...),
	}
	b.published = append(b.published, m)
	b.routeLocked(exchangeName, m)
	return nil
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.broker.closeChannelLocked(ch, nil)
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(b *Broker, p *pending) {})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(b *Broker, p *pending) {
		q := b.queues[p.queue]
		if requeue {
			if q != nil {
				p.msg.Redelivered = true
				q.messages = append([]Message{p.msg}, q.messages...)
			}
			return
		}
		b.deadLetterLocked(q, p.msg)
	})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, apply func(*Broker, *pending)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else {
		if _, ok := ch.unacked[tag]; !ok {
			return ch.exceptionLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
		}
		tags = []uint64{tag}
	}

	touched := make(map[string]bool)
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.outstanding--
		apply(b, p)
		touched[p.queue] = true
	}
	for name := range touched {
		b.dispatchLocked(b.queues[name])
	}
	return nil
}

var (
	_ rabbitmq.Connection = (*Conn)(nil)
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)
