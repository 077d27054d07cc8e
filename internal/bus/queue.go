package bus

import (
	"context"
	"sync"
)

// Queue is the durable delivery queue behind the bus. The default in-memory
// implementation does not survive a restart; RedisQueue does. Both preserve
// FIFO order between pushes from a single producer.
type Queue interface {
	Push(ctx context.Context, event *Event) error
	// PopAll removes and returns every currently queued event.
	PopAll(ctx context.Context) ([]*Event, error)
	Len(ctx context.Context) (int, error)
}

type memoryQueue struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemoryQueue creates the default process-local queue. Undelivered events
// are lost when the server stops; this is a known limitation carried over
// from the original design.
func NewMemoryQueue() Queue {
	return &memoryQueue{}
}

func (q *memoryQueue) Push(_ context.Context, event *Event) error {
	q.mu.Lock()
	q.events = append(q.events, event)
	q.mu.Unlock()
	return nil
}

func (q *memoryQueue) PopAll(_ context.Context) ([]*Event, error) {
	q.mu.Lock()
	events := q.events
	q.events = nil
	q.mu.Unlock()
	return events, nil
}

func (q *memoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events), nil
}
