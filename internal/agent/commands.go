package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mithem/compolvo/internal/bus"
	"github.com/mithem/compolvo/pkg/debug"
)

const uninstallPlaybook = "uninstall"

// softwareStatusFrame builds the full status report sent after a command,
// successful or not. The server merges the whole field set.
func softwareStatusFrame(softwareID string, installedVersion *string, corrupt bool) ([]byte, error) {
	status := map[string]any{
		"installed_version": installedVersion,
		"corrupt":           corrupt,
		"installing":        false,
		"uninstalling":      false,
	}
	message, err := json.Marshal(map[string]any{
		"software_id": softwareID,
		"status":      status,
	})
	if err != nil {
		return nil, err
	}
	event, err := json.Marshal(bus.Event{
		Type:      bus.EventSoftwareStatusUpdate,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberServer},
		Message:   message,
		Ephemeral: true,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{"event": event})
}

// executeCommand runs one install or uninstall command to completion and
// always returns a status frame, reporting corrupt=true on any failure.
func executeCommand(ctx context.Context, runner PlaybookRunner, event *bus.Event) ([]byte, error) {
	var msg bus.InstallCommandMessage
	if err := json.Unmarshal(event.Message, &msg); err != nil {
		return nil, fmt.Errorf("malformed %s message: %w", event.Type, err)
	}
	if msg.Service == "" || msg.Software == "" {
		return nil, fmt.Errorf("%s message missing service or software", event.Type)
	}

	playbook := uninstallPlaybook
	var installedVersion *string
	if event.Type == bus.EventInstallSoftware {
		if msg.Version == "" {
			return nil, fmt.Errorf("install-software message missing version")
		}
		playbook = msg.Version
		installedVersion = &msg.Version
	}

	if err := runner.Run(ctx, msg.Service, playbook); err != nil {
		debug.Error("Command %s for software %s failed: %v", event.Type, msg.Software, err)
		return softwareStatusFrame(msg.Software, installedVersion, true)
	}

	debug.Info("Command %s for software %s completed", event.Type, msg.Software)
	return softwareStatusFrame(msg.Software, installedVersion, false)
}

// checkAddressing verifies an inbound command is meant for this agent.
// Commands for a different agent are a protocol violation.
func checkAddressing(event *bus.Event, agentID string) error {
	if event.Recipient == nil {
		return nil
	}
	if event.Recipient.SubscriberType != bus.SubscriberAgent {
		return fmt.Errorf("received event addressed to %s, expected agent", event.Recipient.SubscriberType)
	}
	if event.Recipient.ID != "" && event.Recipient.ID != agentID {
		return fmt.Errorf("received event for different agent %s", event.Recipient.ID)
	}
	return nil
}
