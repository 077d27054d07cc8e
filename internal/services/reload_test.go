package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloadWorkerFansOutLogin(t *testing.T) {
	software := newFakeSoftwareStore()
	agents := newFakeAgentStore()
	eventBus := bus.New(nil)

	agent, _ := seedSoftware(software, agents)

	worker := NewReloadWorker(eventBus, agents, software)
	worker.Start()
	defer worker.Stop()

	var received []*bus.Event
	eventBus.Registry().Subscribe(bus.SubscriberUser, bus.EventReload, func(_ context.Context, ev *bus.Event) error {
		received = append(received, ev)
		return nil
	}, agent.CustomerID.String())

	message, _ := json.Marshal(bus.AgentLoginMessage{AgentID: agent.ID.String()})
	eventBus.Notify(context.Background(), &bus.Event{
		Type:      bus.EventAgentLogin,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberServer},
		Message:   message,
	})

	require.Len(t, received, 1)
	assert.Equal(t, bus.EventReload, received[0].Type)
	require.NotNil(t, received[0].Recipient)
	assert.Equal(t, agent.CustomerID.String(), received[0].Recipient.ID)
}

func TestReloadWorkerFansOutDisconnect(t *testing.T) {
	software := newFakeSoftwareStore()
	agents := newFakeAgentStore()
	eventBus := bus.New(nil)

	agent, _ := seedSoftware(software, agents)

	worker := NewReloadWorker(eventBus, agents, software)
	worker.Start()
	defer worker.Stop()

	var count int
	eventBus.Registry().Subscribe(bus.SubscriberUser, bus.EventReload, func(context.Context, *bus.Event) error {
		count++
		return nil
	}, "")

	message, _ := json.Marshal(bus.DisconnectMessage{AgentID: agent.ID.String()})
	eventBus.Notify(context.Background(), &bus.Event{
		Type:      bus.EventWSDisconnect,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberServer},
		Message:   message,
	})

	assert.Equal(t, 1, count)
}

func TestReloadWorkerResolvesAgentThroughSoftware(t *testing.T) {
	software := newFakeSoftwareStore()
	agents := newFakeAgentStore()
	eventBus := bus.New(nil)

	agent, record := seedSoftware(software, agents)

	worker := NewReloadWorker(eventBus, agents, software)
	worker.Start()
	defer worker.Stop()

	var received []*bus.Event
	eventBus.Registry().Subscribe(bus.SubscriberUser, bus.EventReload, func(_ context.Context, ev *bus.Event) error {
		received = append(received, ev)
		return nil
	}, agent.CustomerID.String())

	message, _ := json.Marshal(bus.SoftwareStatusMessage{SoftwareID: record.ID.String()})
	eventBus.Notify(context.Background(), &bus.Event{
		Type:      bus.EventSoftwareStatusUpdate,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberServer},
		Message:   message,
	})

	require.Len(t, received, 1)
}

func TestReloadWorkerIgnoresRetiredSoftware(t *testing.T) {
	software := newFakeSoftwareStore()
	agents := newFakeAgentStore()
	eventBus := bus.New(nil)

	worker := NewReloadWorker(eventBus, agents, software)
	worker.Start()
	defer worker.Stop()

	var count int
	eventBus.Registry().Subscribe(bus.SubscriberUser, bus.EventReload, func(context.Context, *bus.Event) error {
		count++
		return nil
	}, "")

	message, _ := json.Marshal(bus.SoftwareStatusMessage{SoftwareID: uuid.New().String()})
	delivered := eventBus.Notify(context.Background(), &bus.Event{
		Type:      bus.EventSoftwareStatusUpdate,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberServer},
		Message:   message,
	})

	assert.True(t, delivered, "retired software is not a handler failure")
	assert.Zero(t, count)
}

func TestReloadWorkerStopRemovesSubscriptions(t *testing.T) {
	eventBus := bus.New(nil)
	worker := NewReloadWorker(eventBus, newFakeAgentStore(), newFakeSoftwareStore())

	worker.Start()
	assert.Equal(t, 3, eventBus.Registry().Len())

	worker.Stop()
	assert.Zero(t, eventBus.Registry().Len())
}
