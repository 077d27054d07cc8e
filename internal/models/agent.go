package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operating system identifiers supported by agents
const (
	OSDebian  = "debian"
	OSMacOS   = "macOS"
	OSWindows = "windows"
	OSManjaro = "manjaro"
)

// Agent represents a registered remote machine. Connection bookkeeping
// (Connected, ConnectionInterrupted, timestamps, source IP) is mutated
// exclusively by the websocket session handler.
type Agent struct {
	ID                      uuid.UUID      `json:"id"`
	CustomerID              uuid.UUID      `json:"customerId"`
	Name                    sql.NullString `json:"-"`
	OperatingSystem         sql.NullString `json:"-"`
	Connected               bool           `json:"connected"`
	ConnectionInterrupted   bool           `json:"connectionInterrupted"`
	LastConnectionStart     sql.NullTime   `json:"-"`
	LastConnectionEnd       sql.NullTime   `json:"-"`
	ConnectionFromIPAddress sql.NullString `json:"-"`
	CreatedAt               time.Time      `json:"createdAt"`
	UpdatedAt               time.Time      `json:"updatedAt"`
}

// MarshalJSON converts the sql.Null* fields to plain nullable JSON values
func (a Agent) MarshalJSON() ([]byte, error) {
	type agentJSON struct {
		ID                      uuid.UUID  `json:"id"`
		CustomerID              uuid.UUID  `json:"customerId"`
		Name                    *string    `json:"name"`
		OperatingSystem         *string    `json:"operatingSystem"`
		Connected               bool       `json:"connected"`
		ConnectionInterrupted   bool       `json:"connectionInterrupted"`
		LastConnectionStart     *time.Time `json:"lastConnectionStart"`
		LastConnectionEnd       *time.Time `json:"lastConnectionEnd"`
		ConnectionFromIPAddress *string    `json:"connectionFromIpAddress"`
		CreatedAt               time.Time  `json:"createdAt"`
		UpdatedAt               time.Time  `json:"updatedAt"`
	}

	temp := agentJSON{
		ID:                    a.ID,
		CustomerID:            a.CustomerID,
		Connected:             a.Connected,
		ConnectionInterrupted: a.ConnectionInterrupted,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
	if a.Name.Valid {
		temp.Name = &a.Name.String
	}
	if a.OperatingSystem.Valid {
		temp.OperatingSystem = &a.OperatingSystem.String
	}
	if a.LastConnectionStart.Valid {
		temp.LastConnectionStart = &a.LastConnectionStart.Time
	}
	if a.LastConnectionEnd.Valid {
		temp.LastConnectionEnd = &a.LastConnectionEnd.Time
	}
	if a.ConnectionFromIPAddress.Valid {
		temp.ConnectionFromIPAddress = &a.ConnectionFromIPAddress.String
	}

	return json.Marshal(temp)
}
