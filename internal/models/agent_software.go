package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentSoftware tracks one software package's install state on one agent.
// The record moves through installing -> installed -> uninstalling and is
// deleted once an uninstall completes without corruption. Mutated exclusively
// by the software lifecycle reconciler.
type AgentSoftware struct {
	ID               uuid.UUID      `json:"id"`
	AgentID          uuid.UUID      `json:"agentId"`
	ServicePlanID    uuid.UUID      `json:"servicePlanId"`
	InstalledVersion sql.NullString `json:"-"`
	Corrupt          bool           `json:"corrupt"`
	Installing       bool           `json:"installing"`
	Uninstalling     bool           `json:"uninstalling"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// MarshalJSON converts InstalledVersion to a plain nullable JSON value
func (s AgentSoftware) MarshalJSON() ([]byte, error) {
	type softwareJSON struct {
		ID               uuid.UUID `json:"id"`
		AgentID          uuid.UUID `json:"agentId"`
		ServicePlanID    uuid.UUID `json:"servicePlanId"`
		InstalledVersion *string   `json:"installedVersion"`
		Corrupt          bool      `json:"corrupt"`
		Installing       bool      `json:"installing"`
		Uninstalling     bool      `json:"uninstalling"`
		CreatedAt        time.Time `json:"createdAt"`
		UpdatedAt        time.Time `json:"updatedAt"`
	}

	temp := softwareJSON{
		ID:            s.ID,
		AgentID:       s.AgentID,
		ServicePlanID: s.ServicePlanID,
		Corrupt:       s.Corrupt,
		Installing:    s.Installing,
		Uninstalling:  s.Uninstalling,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.InstalledVersion.Valid {
		temp.InstalledVersion = &s.InstalledVersion.String
	}

	return json.Marshal(temp)
}
