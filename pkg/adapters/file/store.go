package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/sochen/internal/fsutil"
	"github.com/aretw0/sochen/pkg/domain"
)

// Store implements ports.WorkflowStore using the local filesystem.
// It stores each workflow as a JSON document in a configured directory.
type Store struct {
	BasePath string
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".sochen/workflows".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".sochen", "workflows")
	}
	return &Store{BasePath: basePath}
}

func (s *Store) path(workflowID string) string {
	return filepath.Join(s.BasePath, workflowID+".json")
}

func validateID(workflowID string) error {
	if workflowID == "" {
		return fmt.Errorf("workflowID cannot be empty")
	}
	if strings.ContainsAny(workflowID, `/\`) || workflowID == "." || workflowID == ".." {
		return fmt.Errorf("invalid workflowID %q", workflowID)
	}
	return nil
}

// Save persists the workflow state to a JSON file atomically.
func (s *Store) Save(ctx context.Context, workflowID string, state *domain.WorkflowState) error {
	if err := validateID(workflowID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.path(workflowID), data, 0644); err != nil {
		return fmt.Errorf("failed to persist workflow %s: %w", workflowID, err)
	}
	return nil
}

// Load retrieves the workflow state from a JSON file.
func (s *Store) Load(ctx context.Context, workflowID string) (*domain.WorkflowState, error) {
	if err := validateID(workflowID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var state domain.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	if state.Files == nil {
		state.Files = make(map[string]domain.CodeFile)
	}

	return &state, nil
}

// Delete removes the workflow file.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	if err := validateID(workflowID); err != nil {
		return err
	}

	err := os.Remove(s.path(workflowID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete workflow file: %w", err)
	}

	return nil
}

// List returns all stored workflow IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, "tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}

	return ids, nil
}
