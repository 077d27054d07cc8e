package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/mithem/compolvo/pkg/debug"
)

// ReloadWorker listens server-side for agent lifecycle events and pushes a
// reload notification to the user owning the affected agent. It holds one
// server-class subscription per event type it cares about.
type ReloadWorker struct {
	bus      *bus.EventBus
	agents   AgentStore
	software SoftwareStore

	subscriptions []bus.Subscription
}

// NewReloadWorker creates a reload worker. Call Start to register its
// subscriptions on the bus.
func NewReloadWorker(eventBus *bus.EventBus, agents AgentStore, software SoftwareStore) *ReloadWorker {
	return &ReloadWorker{
		bus:      eventBus,
		agents:   agents,
		software: software,
	}
}

// Start registers the worker's server subscriptions. Login, disconnect and
// status-update events all cause the owning user's sessions to refresh.
func (w *ReloadWorker) Start() {
	for _, eventType := range []bus.EventType{
		bus.EventAgentLogin,
		bus.EventWSDisconnect,
		bus.EventSoftwareStatusUpdate,
	} {
		sub := w.bus.Registry().Subscribe(bus.SubscriberServer, eventType, w.handle, "")
		w.subscriptions = append(w.subscriptions, sub)
	}
	debug.Info("Reload worker subscribed to %d event type(s)", len(w.subscriptions))
}

// Stop removes the worker's subscriptions.
func (w *ReloadWorker) Stop() {
	for _, sub := range w.subscriptions {
		w.bus.Registry().Unsubscribe(sub.ID)
	}
	w.subscriptions = nil
}

func (w *ReloadWorker) handle(ctx context.Context, event *bus.Event) error {
	agentID, err := w.agentIDFor(ctx, event)
	if err != nil {
		// A status update for software already retired carries no reload
		// obligation.
		debug.Debug("No reload for %s event: %v", event.Type, err)
		return nil
	}

	agent, err := w.agents.GetByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to look up agent %s: %w", agentID, err)
	}

	message, err := json.Marshal(bus.ReloadMessage{Path: "/home/agent/software"})
	if err != nil {
		return err
	}

	w.bus.Notify(ctx, &bus.Event{
		Type:      bus.EventReload,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberUser, ID: agent.CustomerID.String()},
		Message:   message,
		Ephemeral: true,
	})
	return nil
}

// agentIDFor derives the agent an event concerns. Login and disconnect
// payloads carry the agent id directly; status updates reference it through
// the software record.
func (w *ReloadWorker) agentIDFor(ctx context.Context, event *bus.Event) (uuid.UUID, error) {
	switch event.Type {
	case bus.EventAgentLogin:
		var msg bus.AgentLoginMessage
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			return uuid.Nil, fmt.Errorf("malformed agent-login message: %w", err)
		}
		return uuid.Parse(msg.AgentID)
	case bus.EventWSDisconnect:
		var msg bus.DisconnectMessage
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			return uuid.Nil, fmt.Errorf("malformed ws-disconnect message: %w", err)
		}
		return uuid.Parse(msg.AgentID)
	case bus.EventSoftwareStatusUpdate:
		var msg bus.SoftwareStatusMessage
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			return uuid.Nil, fmt.Errorf("malformed software-status-update message: %w", err)
		}
		softwareID, err := uuid.Parse(msg.SoftwareID)
		if err != nil {
			return uuid.Nil, err
		}
		software, err := w.software.GetByID(ctx, softwareID)
		if err != nil {
			return uuid.Nil, err
		}
		return software.AgentID, nil
	}
	return uuid.Nil, fmt.Errorf("event type %s does not concern an agent", event.Type)
}
