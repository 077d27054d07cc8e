package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mithem/compolvo/internal/db"
	"github.com/mithem/compolvo/internal/models"
)

// AgentRepository handles database operations for agents
type AgentRepository struct {
	db *db.DB
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(database *db.DB) *AgentRepository {
	return &AgentRepository{db: database}
}

// GetByID retrieves an agent by ID
func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	agent := &models.Agent{}

	query := `
		SELECT id, customer_id, name, operating_system, connected, connection_interrupted,
		       last_connection_start, last_connection_end, connection_from_ip_address,
		       created_at, updated_at
		FROM agents
		WHERE id = $1
	`

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&agent.ID,
		&agent.CustomerID,
		&agent.Name,
		&agent.OperatingSystem,
		&agent.Connected,
		&agent.ConnectionInterrupted,
		&agent.LastConnectionStart,
		&agent.LastConnectionEnd,
		&agent.ConnectionFromIPAddress,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	return agent, nil
}

// Update persists an agent's mutable fields
func (r *AgentRepository) Update(ctx context.Context, agent *models.Agent) error {
	query := `
		UPDATE agents
		SET name = $2,
		    operating_system = $3,
		    connected = $4,
		    connection_interrupted = $5,
		    last_connection_start = $6,
		    last_connection_end = $7,
		    connection_from_ip_address = $8,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.OperatingSystem,
		agent.Connected,
		agent.ConnectionInterrupted,
		agent.LastConnectionStart,
		agent.LastConnectionEnd,
		agent.ConnectionFromIPAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return db.ErrAgentNotFound
	}

	return nil
}

// ResetConnected clears the connected flag on every agent. Called at server
// start so sessions lost in a crash do not block re-login forever.
func (r *AgentRepository) ResetConnected(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `UPDATE agents SET connected = FALSE, updated_at = NOW() WHERE connected = TRUE`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset connected agents: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check reset result: %w", err)
	}
	return rows, nil
}
