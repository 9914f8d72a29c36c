package ports

import (
	"context"

	"github.com/aretw0/sochen/pkg/domain"
)

// WorkflowStore defines the interface for persisting workflow state.
// Each workflow serializes to a single document keyed by its ID.
type WorkflowStore interface {
	// Save persists the full state for a given workflow ID.
	Save(ctx context.Context, workflowID string, state *domain.WorkflowState) error

	// Load retrieves the state for a given workflow ID.
	// Returns domain.ErrWorkflowNotFound if the workflow does not exist.
	Load(ctx context.Context, workflowID string) (*domain.WorkflowState, error)

	// Delete removes the state for a given workflow ID.
	Delete(ctx context.Context, workflowID string) error

	// List returns the IDs of all stored workflows.
	List(ctx context.Context) ([]string, error)
}
