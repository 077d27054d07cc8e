package websocket

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mithem/compolvo/internal/bus"
)

// inboundFrame is the union of everything a client may send after login:
// a subscribe intent, an unsubscribe intent, or an event envelope.
type inboundFrame struct {
	Intent         string          `json:"intent"`
	SubscriberType string          `json:"subscriber_type"`
	EventType      string          `json:"event_type"`
	ID             *string         `json:"id"`
	SubID          string          `json:"sub_id"`
	Event          json.RawMessage `json:"event"`
}

type successReply struct {
	Success bool `json:"success"`
}

type errorReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type subscribeReply struct {
	Success      bool             `json:"success"`
	Subscription bus.Subscription `json:"subscription"`
}

// eventEnvelope is the frame wrapping an event in either direction.
type eventEnvelope struct {
	Event json.RawMessage `json:"event"`
}

func marshalEnvelope(event *bus.Event) ([]byte, error) {
	inner, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{Event: inner})
}

// parseLoginFrame extracts the agent ID from the initial agent-login frame.
func parseLoginFrame(data []byte) (uuid.UUID, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return uuid.Nil, fmt.Errorf("malformed login frame: %w", err)
	}
	if len(envelope.Event) == 0 {
		return uuid.Nil, fmt.Errorf("login frame carries no event")
	}

	event, err := bus.ParseEvent(envelope.Event)
	if err != nil {
		return uuid.Nil, err
	}
	if event.Type != bus.EventAgentLogin {
		return uuid.Nil, fmt.Errorf("first frame must be an agent-login event, got %s", event.Type)
	}

	var msg bus.AgentLoginMessage
	if err := json.Unmarshal(event.Message, &msg); err != nil {
		return uuid.Nil, fmt.Errorf("malformed agent-login message: %w", err)
	}
	agentID, err := uuid.Parse(msg.AgentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid agent id %q: %w", msg.AgentID, err)
	}
	return agentID, nil
}

func loginEvent(agentID uuid.UUID) (*bus.Event, error) {
	message, err := json.Marshal(bus.AgentLoginMessage{AgentID: agentID.String()})
	if err != nil {
		return nil, err
	}
	return &bus.Event{
		Type:      bus.EventAgentLogin,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberServer},
		Message:   message,
		Ephemeral: true,
	}, nil
}

func disconnectEvent(agentID uuid.UUID) (*bus.Event, error) {
	message, err := json.Marshal(bus.DisconnectMessage{AgentID: agentID.String()})
	if err != nil {
		return nil, err
	}
	return &bus.Event{
		Type:      bus.EventWSDisconnect,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberServer},
		Message:   message,
		Ephemeral: true,
	}, nil
}

func nullTimeNow() sql.NullTime {
	return sql.NullTime{Time: time.Now().UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
