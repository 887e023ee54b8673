package reliability

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultTrackerSize bounds the number of payload fingerprints remembered
// by a HeaderTracker.
const DefaultTrackerSize = 4096

// RedeliveryTracker counts how many times a delivery has failed processing.
type RedeliveryTracker interface {
	// Attempt records a failed attempt and returns the attempt number,
	// starting at 1.
	Attempt(d amqp.Delivery) int
	// Forget drops any state kept for the delivery.
	Forget(d amqp.Delivery)
}

// HeaderTracker prefers the broker's x-delivery-count header (quorum queues)
// and falls back to a local counter keyed by a fingerprint of the consumer
// tag, routing key and body. Dead-letter cycles recorded in x-death are
// added on top of the local count.
type HeaderTracker struct {
	counts *lru.Cache
}

// NewHeaderTracker creates a tracker remembering at most size fingerprints.
func NewHeaderTracker(size int) (*HeaderTracker, error) {
	if size <= 0 {
		size = DefaultTrackerSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create redelivery cache: %w", err)
	}
	return &HeaderTracker{counts: cache}, nil
}

// Attempt implements RedeliveryTracker
func (t *HeaderTracker) Attempt(d amqp.Delivery) int {
	if n, ok := DeliveryCount(d.Headers); ok {
		return int(n) + 1
	}

	key := Fingerprint(d)
	count := 1
	if d.Redelivered {
		if v, ok := t.counts.Get(key); ok {
			count = v.(int) + 1
		}
	}
	t.counts.Add(key, count)

	if deaths, ok := DeathCount(d.Headers); ok {
		return int(deaths) + count
	}
	return count
}

// Forget implements RedeliveryTracker
func (t *HeaderTracker) Forget(d amqp.Delivery) {
	t.counts.Remove(Fingerprint(d))
}

// Len returns the number of fingerprints currently tracked.
func (t *HeaderTracker) Len() int {
	return t.counts.Len()
}

// Fingerprint hashes the consumer tag, routing key and body of a delivery.
// The consumer tag keeps subscriptions that receive the same event apart.
func Fingerprint(d amqp.Delivery) uint64 {
	h := xxhash.New()
	var n [8]byte
	for _, field := range []string{d.ConsumerTag, d.RoutingKey} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(field)
	}
	_, _ = h.Write(d.Body)
	return h.Sum64()
}

// DeliveryCount reads the broker-maintained x-delivery-count header.
func DeliveryCount(headers amqp.Table) (int64, bool) {
	if headers == nil {
		return 0, false
	}
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case uint8:
		return int64(v), true
	}
	return 0, false
}

// DeathCount sums the count fields of the x-death header the broker adds
// each time a message is dead-lettered.
func DeathCount(headers amqp.Table) (int64, bool) {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return 0, false
	}
	var total int64
	found := false
	for _, entry := range deaths {
		death, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		switch count := death["count"].(type) {
		case int64:
			total += count
			found = true
		case int32:
			total += int64(count)
			found = true
		case int:
			total += int64(count)
			found = true
		}
	}
	return total, found
}
