package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType identifies the kind of event flowing through the bus. The set is
// closed; unknown values are rejected at the deserialization boundary.
type EventType string

const (
	EventReload               EventType = "reload"
	EventInstallSoftware      EventType = "install-software"
	EventUninstallSoftware    EventType = "uninstall-software"
	EventSoftwareStatusUpdate EventType = "software-status-update"
	EventAgentLogin           EventType = "agent-login"
	EventWSDisconnect         EventType = "ws-disconnect"
)

// SubscriberType identifies the class of a subscriber or recipient.
type SubscriberType string

const (
	SubscriberUser   SubscriberType = "user"
	SubscriberAgent  SubscriberType = "agent"
	SubscriberServer SubscriberType = "server"
)

// ParseEventType validates a raw string against the closed event type set.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(s); t {
	case EventReload, EventInstallSoftware, EventUninstallSoftware,
		EventSoftwareStatusUpdate, EventAgentLogin, EventWSDisconnect:
		return t, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// ParseSubscriberType validates a raw string against the closed subscriber type set.
func ParseSubscriberType(s string) (SubscriberType, error) {
	switch t := SubscriberType(s); t {
	case SubscriberUser, SubscriberAgent, SubscriberServer:
		return t, nil
	}
	return "", fmt.Errorf("unknown subscriber type %q", s)
}

// Subscriber is the matching key registered against the bus: a class, an
// event type, and an optional identity. An empty ID is the wildcard matching
// any identity within the class. Subscribers compare structurally and are
// safe to use as map keys.
type Subscriber struct {
	Type      SubscriberType
	EventType EventType
	ID        string // empty means any identity
}

// MarshalJSON emits the wire form, with a null id for the wildcard.
func (s Subscriber) MarshalJSON() ([]byte, error) {
	var id *string
	if s.ID != "" {
		id = &s.ID
	}
	return json.Marshal(struct {
		Type      SubscriberType `json:"type"`
		EventType EventType      `json:"event_type"`
		ID        *string        `json:"id"`
	}{s.Type, s.EventType, id})
}

// Recipient is the addressing information carried by an event. An empty ID
// means broadcast to the whole class.
type Recipient struct {
	SubscriberType SubscriberType
	ID             string // empty means the whole class
}

func (r Recipient) MarshalJSON() ([]byte, error) {
	var id *string
	if r.ID != "" {
		id = &r.ID
	}
	return json.Marshal(struct {
		SubscriberType SubscriberType `json:"subscriber_type"`
		ID             *string        `json:"id"`
	}{r.SubscriberType, id})
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var raw struct {
		SubscriberType string  `json:"subscriber_type"`
		ID             *string `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseSubscriberType(raw.SubscriberType)
	if err != nil {
		return err
	}
	r.SubscriberType = st
	if raw.ID != nil {
		r.ID = *raw.ID
	} else {
		r.ID = ""
	}
	return nil
}

// Event is a single message on the bus. A nil Recipient addresses every
// subscriber of the event's type regardless of class. Ephemeral events are
// best-effort; non-ephemeral events are retried until delivered.
type Event struct {
	Type      EventType       `json:"type"`
	Recipient *Recipient      `json:"recipient"`
	Message   json.RawMessage `json:"message"`
	Ephemeral bool            `json:"ephemeral"`
}

// ParseEvent decodes and validates an event from its wire form. Ephemeral
// defaults to true when absent.
func ParseEvent(data []byte) (*Event, error) {
	var raw struct {
		Type      string          `json:"type"`
		Recipient *Recipient      `json:"recipient"`
		Message   json.RawMessage `json:"message"`
		Ephemeral *bool           `json:"ephemeral"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	eventType, err := ParseEventType(raw.Type)
	if err != nil {
		return nil, err
	}
	ev := &Event{
		Type:      eventType,
		Recipient: raw.Recipient,
		Message:   raw.Message,
		Ephemeral: true,
	}
	if raw.Ephemeral != nil {
		ev.Ephemeral = *raw.Ephemeral
	}
	return ev, nil
}

// Subscription is the handle returned by Subscribe. The ID is what a client
// uses to unsubscribe; the Subscriber is the matching key.
type Subscription struct {
	Subscriber Subscriber `json:"subscriber"`
	ID         uuid.UUID  `json:"id"`
}

// EventHandler is invoked for every event matching a subscription. A non-nil
// error counts as a failed delivery to that subscriber; it does not block
// delivery to others.
type EventHandler func(ctx context.Context, event *Event) error

// AgentLoginMessage is the payload of an agent-login event.
type AgentLoginMessage struct {
	AgentID string `json:"agent_id"`
}

// SoftwareStatusMessage is the payload of a software-status-update event.
// Status holds only the fields the sender wants to change; the reconciler
// validates the key set before applying anything.
type SoftwareStatusMessage struct {
	SoftwareID string                     `json:"software_id"`
	Status     map[string]json.RawMessage `json:"status"`
}

// DisconnectMessage is the payload of a ws-disconnect event.
type DisconnectMessage struct {
	AgentID string `json:"agent_id"`
}

// ReloadMessage is the payload of a reload event pushed to user sessions.
type ReloadMessage struct {
	Path string `json:"path"`
}

// InstallCommandMessage is the payload of install-software and
// uninstall-software events sent to agents.
type InstallCommandMessage struct {
	Service  string `json:"service"`
	Software string `json:"software"`
	Version  string `json:"version,omitempty"`
}
