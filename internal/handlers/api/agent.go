package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/mithem/compolvo/internal/models"
	"github.com/mithem/compolvo/pkg/debug"
)

// AgentStore is the persistence surface the bootstrap endpoints need.
type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
}

// Handler serves the agent bootstrap endpoints used by the agent CLI before
// it opens its websocket session.
type Handler struct {
	agents AgentStore
}

// NewHandler creates an API handler.
func NewHandler(agents AgentStore) *Handler {
	return &Handler{agents: agents}
}

// GetAgentName returns the name of the agent identified by the id query
// parameter. The agent CLI uses this to confirm its identity during init.
func (h *Handler) GetAgentName(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	agent, err := h.agents.GetByID(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	var name, operatingSystem *string
	if agent.Name.Valid {
		name = &agent.Name.String
	}
	if agent.OperatingSystem.Valid {
		operatingSystem = &agent.OperatingSystem.String
	}
	writeJSON(w, http.StatusOK, map[string]*string{
		"name":             name,
		"operating_system": operatingSystem,
	})
}

type initRequest struct {
	ID              string  `json:"id"`
	OperatingSystem string  `json:"operating_system"`
	Name            *string `json:"name"`
}

// InitAgent records the agent's detected operating system. Called once by
// `agent init` after the identity is confirmed.
func (h *Handler) InitAgent(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	agentID, err := uuid.Parse(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return
	}
	switch req.OperatingSystem {
	case models.OSDebian, models.OSMacOS, models.OSWindows, models.OSManjaro:
	default:
		writeError(w, http.StatusBadRequest, "unsupported operating system")
		return
	}

	agent, err := h.agents.GetByID(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	agent.OperatingSystem = sql.NullString{String: req.OperatingSystem, Valid: true}
	if req.Name != nil && *req.Name != "" {
		agent.Name = sql.NullString{String: *req.Name, Valid: true}
	}
	if err := h.agents.Update(r.Context(), agent); err != nil {
		debug.Error("Failed to persist agent %s init: %v", agentID, err)
		writeError(w, http.StatusInternalServerError, "failed to update agent")
		return
	}

	debug.Info("Agent %s initialized with operating system %s", agentID, req.OperatingSystem)
	writeJSON(w, http.StatusOK, agent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Error("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
