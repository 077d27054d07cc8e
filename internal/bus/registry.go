package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mithem/compolvo/pkg/debug"
)

// Registry maps active subscriptions to their handlers. All methods are safe
// for concurrent use; the original single-threaded design got this for free,
// here a mutex guards every mutation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Subscription]EventHandler
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Subscription]EventHandler),
	}
}

// Subscribe registers a handler under a fresh subscription ID. An empty id
// subscribes to every identity of the class. Subscribe never fails; callers
// are responsible for validating class and event type beforehand, otherwise
// the subscription silently never matches.
func (r *Registry) Subscribe(subType SubscriberType, eventType EventType, handler EventHandler, id string) Subscription {
	sub := Subscription{
		Subscriber: Subscriber{Type: subType, EventType: eventType, ID: id},
		ID:         uuid.New(),
	}

	r.mu.Lock()
	r.handlers[sub] = handler
	r.mu.Unlock()

	debug.Debug("Registered subscription %s (%s/%s id=%q)", sub.ID, subType, eventType, id)
	return sub
}

// Unsubscribe removes all subscriptions with the given ID, normally exactly
// one. Removing an unknown ID is a no-op. There are no tombstones: a late
// event for a removed subscription is simply undelivered.
func (r *Registry) Unsubscribe(subscriptionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sub := range r.handlers {
		if sub.ID == subscriptionID {
			delete(r.handlers, sub)
			debug.Debug("Removed subscription %s", subscriptionID)
		}
	}
}

// Match returns the subscribers matching an event. A subscriber matches iff
// its event type equals the event's, its class equals the recipient's class
// when a recipient is set, and the identities agree: either side may omit an
// identity to mean "all".
func (r *Registry) Match(event *Event) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Subscriber]bool)
	var matched []Subscriber
	for sub := range r.handlers {
		s := sub.Subscriber
		if seen[s] {
			continue
		}
		seen[s] = true
		if subscriberMatches(s, event) {
			matched = append(matched, s)
		}
	}
	return matched
}

func subscriberMatches(s Subscriber, event *Event) bool {
	if s.EventType != event.Type {
		return false
	}
	if event.Recipient == nil {
		return true
	}
	if s.Type != event.Recipient.SubscriberType {
		return false
	}
	return event.Recipient.ID == "" || s.ID == "" || s.ID == event.Recipient.ID
}

// snapshot returns a point-in-time copy of the registered handlers so that
// dispatch can iterate while handlers re-enter Subscribe or Unsubscribe.
func (r *Registry) snapshot() map[Subscription]EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	copied := make(map[Subscription]EventHandler, len(r.handlers))
	for sub, handler := range r.handlers {
		copied[sub] = handler
	}
	return copied
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
