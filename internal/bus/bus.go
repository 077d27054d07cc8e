package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/mithem/compolvo/pkg/debug"
	"github.com/robfig/cron/v3"
)

// EventBus owns the subscription registry and the durable delivery queue.
// It is constructed once at process start and passed by reference to every
// producer and connection handler; there is no package-level state.
type EventBus struct {
	registry *Registry
	queue    Queue

	cron    *cron.Cron
	running bool
	mu      sync.Mutex
}

// New creates an event bus backed by the given queue. A nil queue selects
// the in-memory default.
func New(queue Queue) *EventBus {
	if queue == nil {
		queue = NewMemoryQueue()
	}
	return &EventBus{
		registry: NewRegistry(),
		queue:    queue,
	}
}

// Registry exposes the subscription registry for subscribe/unsubscribe calls.
func (b *EventBus) Registry() *Registry {
	return b.registry
}

// Notify delivers an event synchronously to every matching subscriber. It
// returns true iff at least one subscriber matched and no handler reported
// failure. Matching and dispatch both read one point-in-time snapshot, so a
// handler may subscribe or unsubscribe without corrupting iteration and a
// subscriber removed concurrently cannot be counted as matched yet skipped.
// A handler removed mid-dispatch may still be invoked once.
func (b *EventBus) Notify(ctx context.Context, event *Event) bool {
	matched := false
	success := true
	for sub, handler := range b.registry.snapshot() {
		if !subscriberMatches(sub.Subscriber, event) {
			continue
		}
		matched = true
		if err := handler(ctx, event); err != nil {
			debug.Warning("Handler for subscription %s failed on %s event: %v", sub.ID, event.Type, err)
			success = false
		}
	}
	if !matched {
		debug.Debug("No subscribers for %s event, unsuccessful delivery", event.Type)
		return false
	}
	return success
}

// Enqueue appends an event to the durable queue for delivery on the next
// drain tick. Producers that do not need synchronous confirmation use this.
func (b *EventBus) Enqueue(ctx context.Context, event *Event) {
	if err := b.queue.Push(ctx, event); err != nil {
		debug.Error("Failed to enqueue %s event: %v", event.Type, err)
	}
}

// DrainQueue pops every currently queued event and attempts delivery.
// Failed non-ephemeral events are re-appended for the next tick; failed
// ephemeral events are dropped. Retries are unbounded with no backoff.
func (b *EventBus) DrainQueue(ctx context.Context) {
	events, err := b.queue.PopAll(ctx)
	if err != nil {
		debug.Error("Failed to drain queue: %v", err)
		return
	}
	if len(events) > 0 {
		debug.Debug("Draining queue: %d event(s)", len(events))
	}

	var failed []*Event
	for _, event := range events {
		if !b.Notify(ctx, event) && !event.Ephemeral {
			failed = append(failed, event)
		}
	}
	for _, event := range failed {
		if err := b.queue.Push(ctx, event); err != nil {
			debug.Error("Failed to re-queue %s event: %v", event.Type, err)
		}
	}
}

// QueueLen returns the number of events waiting on the durable queue.
func (b *EventBus) QueueLen(ctx context.Context) int {
	n, err := b.queue.Len(ctx)
	if err != nil {
		debug.Error("Failed to read queue length: %v", err)
		return 0
	}
	return n
}

// Start begins the fixed-interval drain tick.
func (b *EventBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("event bus already running")
	}

	b.cron = cron.New()
	if _, err := b.cron.AddFunc("@every 1s", func() {
		b.DrainQueue(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule queue drain: %w", err)
	}
	b.cron.Start()
	b.running = true

	debug.Info("Event bus started, draining queue every second")
	return nil
}

// Stop halts the drain tick. Queued events remain on the queue.
func (b *EventBus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.cron.Stop()
	b.running = false

	debug.Info("Event bus stopped")
}
