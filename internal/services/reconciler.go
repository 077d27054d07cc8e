package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mithem/compolvo/internal/bus"
	"github.com/mithem/compolvo/internal/models"
	"github.com/mithem/compolvo/pkg/debug"
)

// SoftwareStore is the persistence surface the reconciler needs.
type SoftwareStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.AgentSoftware, error)
	Update(ctx context.Context, software *models.AgentSoftware) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// AgentStore is the persistence surface for agent lookups.
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
}

// The only fields a status update may touch. Any other key rejects the whole
// update without mutating the record.
var validStatusFields = map[string]bool{
	"corrupt":           true,
	"installed_version": true,
	"installing":        true,
	"uninstalling":      true,
}

// Reconciler applies software-status-update events to AgentSoftware records
// and detects the terminal state: a completed uninstall with no outstanding
// corruption deletes the record and queues a reload for the owning user.
type Reconciler struct {
	software SoftwareStore
	agents   AgentStore
	bus      *bus.EventBus
}

// NewReconciler creates a software lifecycle reconciler.
func NewReconciler(software SoftwareStore, agents AgentStore, eventBus *bus.EventBus) *Reconciler {
	return &Reconciler{
		software: software,
		agents:   agents,
		bus:      eventBus,
	}
}

// Apply merges a status update into the referenced software record on behalf
// of the authenticated agent. The update is a partial field set; fields
// absent from the status map keep their current value (last writer wins per
// field).
func (r *Reconciler) Apply(ctx context.Context, agentID uuid.UUID, msg *bus.SoftwareStatusMessage) error {
	softwareID, err := uuid.Parse(msg.SoftwareID)
	if err != nil {
		return fmt.Errorf("invalid software id %q: %w", msg.SoftwareID, err)
	}

	for field := range msg.Status {
		if !validStatusFields[field] {
			return fmt.Errorf("status field %q is not permitted; only corrupt, installed_version, installing and uninstalling may be altered", field)
		}
	}

	software, err := r.software.GetByID(ctx, softwareID)
	if err != nil {
		return fmt.Errorf("failed to look up software %s: %w", softwareID, err)
	}
	if software.AgentID != agentID {
		return fmt.Errorf("software %s is not installed on agent %s", softwareID, agentID)
	}

	// The terminal check below needs the pre-merge value: an update that
	// clears uninstalling must be distinguishable from one that never was
	// uninstalling.
	wasUninstalling := software.Uninstalling

	if err := mergeStatus(software, msg.Status); err != nil {
		return err
	}

	if err := r.software.Update(ctx, software); err != nil {
		return fmt.Errorf("failed to persist software %s: %w", softwareID, err)
	}
	debug.Debug("Applied status update to software %s (installing=%v uninstalling=%v corrupt=%v)",
		softwareID, software.Installing, software.Uninstalling, software.Corrupt)

	if !software.InstalledVersion.Valid && !software.Uninstalling && wasUninstalling &&
		!software.Installing && !software.Corrupt {
		debug.Info("Software %s uninstalled cleanly, retiring record", softwareID)
		r.queueUserReload(ctx, software.AgentID)
		if err := r.software.Delete(ctx, softwareID); err != nil {
			return fmt.Errorf("failed to delete software %s: %w", softwareID, err)
		}
	}

	return nil
}

func mergeStatus(software *models.AgentSoftware, status map[string]json.RawMessage) error {
	if raw, ok := status["installed_version"]; ok {
		var version *string
		if err := json.Unmarshal(raw, &version); err != nil {
			return fmt.Errorf("invalid installed_version: %w", err)
		}
		if version != nil {
			software.InstalledVersion = sql.NullString{String: *version, Valid: true}
		} else {
			software.InstalledVersion = sql.NullString{}
		}
	}
	boolFields := map[string]*bool{
		"corrupt":      &software.Corrupt,
		"installing":   &software.Installing,
		"uninstalling": &software.Uninstalling,
	}
	for field, target := range boolFields {
		if raw, ok := status[field]; ok {
			if err := json.Unmarshal(raw, target); err != nil {
				return fmt.Errorf("invalid %s: %w", field, err)
			}
		}
	}
	return nil
}

// queueUserReload enqueues a reload event addressed to the user owning the
// agent so their open sessions refresh the software list.
func (r *Reconciler) queueUserReload(ctx context.Context, agentID uuid.UUID) {
	agent, err := r.agents.GetByID(ctx, agentID)
	if err != nil {
		debug.Warning("Cannot queue reload, agent %s lookup failed: %v", agentID, err)
		return
	}

	message, err := json.Marshal(bus.ReloadMessage{Path: "/home/agent/software"})
	if err != nil {
		debug.Error("Failed to marshal reload message: %v", err)
		return
	}

	r.bus.Enqueue(ctx, &bus.Event{
		Type:      bus.EventReload,
		Recipient: &bus.Recipient{SubscriberType: bus.SubscriberUser, ID: agent.CustomerID.String()},
		Message:   message,
		Ephemeral: true,
	})
}
