package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailureReason says why a delivery was dead-lettered.
type FailureReason string

const (
	ReasonUnparseable   FailureReason = "unparseable"
	ReasonHandlerFailed FailureReason = "handler_failed"
)

// DefaultFailureCapacity bounds an InMemoryFailureStore created with a
// non-positive capacity.
const DefaultFailureCapacity = 1000

// Failure records one dead-lettered delivery.
type Failure struct {
	ID         string                 `json:"id"`
	RoutingKey string                 `json:"routingKey"`
	Pattern    string                 `json:"pattern"`
	Queue      string                 `json:"queue"`
	Reason     FailureReason          `json:"reason"`
	Error      string                 `json:"error"`
	Attempts   int                    `json:"attempts"`
	Body       string                 `json:"body"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// FailureStats summarizes stored failures
type FailureStats struct {
	Total     int                   `json:"total"`
	ByReason  map[FailureReason]int `json:"byReason"`
	ByPattern map[string]int        `json:"byPattern"`
	Evicted   int                   `json:"evicted"`
	Oldest    *time.Time            `json:"oldest,omitempty"`
}

// FailureStore keeps dead-lettered deliveries for inspection. The broker's
// dead-letter queue holds the messages themselves; the store holds why.
type FailureStore interface {
	// Store saves a failure, assigning an ID when empty
	Store(ctx context.Context, failure *Failure) error

	// List returns the newest failures first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]*Failure, error)

	// Get retrieves a failure by ID
	Get(ctx context.Context, id string) (*Failure, error)

	// Stats returns failure statistics
	Stats(ctx context.Context) (*FailureStats, error)

	// Cleanup removes failures older than olderThan
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// InMemoryFailureStore is a FailureStore bounded to a fixed number of
// entries. The oldest entry is evicted when it is full.
type InMemoryFailureStore struct {
	mu       sync.RWMutex
	capacity int
	failures []*Failure
	byID     map[string]*Failure
	evicted  int
}

// NewInMemoryFailureStore creates a store holding at most capacity failures
func NewInMemoryFailureStore(capacity int) *InMemoryFailureStore {
	if capacity <= 0 {
		capacity = DefaultFailureCapacity
	}
	return &InMemoryFailureStore{
		capacity: capacity,
		byID:     make(map[string]*Failure),
	}
}

// Store implements FailureStore
func (s *InMemoryFailureStore) Store(ctx context.Context, failure *Failure) error {
	if failure == nil {
		return fmt.Errorf("failure cannot be nil")
	}

	stored := *failure
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.OccurredAt.IsZero() {
		stored.OccurredAt = time.Now()
	}
	failure.ID = stored.ID

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.failures) >= s.capacity {
		oldest := s.failures[0]
		delete(s.byID, oldest.ID)
		s.failures = s.failures[1:]
		s.evicted++
	}

	s.failures = append(s.failures, &stored)
	s.byID[stored.ID] = &stored
	return nil
}

// List implements FailureStore
func (s *InMemoryFailureStore) List(ctx context.Context, limit int) ([]*Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.failures)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]*Failure, 0, n)
	for i := len(s.failures) - 1; i >= 0 && len(out) < n; i-- {
		failureCopy := *s.failures[i]
		out = append(out, &failureCopy)
	}
	return out, nil
}

// Get implements FailureStore
func (s *InMemoryFailureStore) Get(ctx context.Context, id string) (*Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failure, exists := s.byID[id]
	if !exists {
		return nil, fmt.Errorf("failure not found: %s", id)
	}

	failureCopy := *failure
	return &failureCopy, nil
}

// Stats implements FailureStore
func (s *InMemoryFailureStore) Stats(ctx context.Context) (*FailureStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &FailureStats{
		Total:     len(s.failures),
		ByReason:  make(map[FailureReason]int),
		ByPattern: make(map[string]int),
		Evicted:   s.evicted,
	}

	for _, failure := range s.failures {
		stats.ByReason[failure.Reason]++
		stats.ByPattern[failure.Pattern]++
	}
	if len(s.failures) > 0 {
		oldest := s.failures[0].OccurredAt
		stats.Oldest = &oldest
	}

	return stats, nil
}

// Cleanup implements FailureStore
func (s *InMemoryFailureStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	// entries are kept in insertion order
	removed := 0
	for removed < len(s.failures) && s.failures[removed].OccurredAt.Before(cutoff) {
		delete(s.byID, s.failures[removed].ID)
		removed++
	}
	s.failures = append([]*Failure(nil), s.failures[removed:]...)

	return removed, nil
}

var _ FailureStore = (*InMemoryFailureStore)(nil)
