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

// AgentSoftwareRepository handles database operations for agent software records
type AgentSoftwareRepository struct {
	db *db.DB
}

// NewAgentSoftwareRepository creates a new agent software repository
func NewAgentSoftwareRepository(database *db.DB) *AgentSoftwareRepository {
	return &AgentSoftwareRepository{db: database}
}

// GetByID retrieves an agent software record by ID
func (r *AgentSoftwareRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AgentSoftware, error) {
	software := &models.AgentSoftware{}

	query := `
		SELECT id, agent_id, service_plan_id, installed_version, corrupt,
		       installing, uninstalling, created_at, updated_at
		FROM agent_software
		WHERE id = $1
	`

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&software.ID,
		&software.AgentID,
		&software.ServicePlanID,
		&software.InstalledVersion,
		&software.Corrupt,
		&software.Installing,
		&software.Uninstalling,
		&software.CreatedAt,
		&software.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrSoftwareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent software: %w", err)
	}

	return software, nil
}

// Update persists a software record's status fields
func (r *AgentSoftwareRepository) Update(ctx context.Context, software *models.AgentSoftware) error {
	query := `
		UPDATE agent_software
		SET installed_version = $2,
		    corrupt = $3,
		    installing = $4,
		    uninstalling = $5,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		software.ID,
		software.InstalledVersion,
		software.Corrupt,
		software.Installing,
		software.Uninstalling,
	)
	if err != nil {
		return fmt.Errorf("failed to update agent software: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return db.ErrSoftwareNotFound
	}

	return nil
}

// Delete removes a software record. Deleting an already removed record is
// not an error.
func (r *AgentSoftwareRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM agent_software WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete agent software: %w", err)
	}
	return nil
}
