// Package memory is an in-process workflow store. Workflows are lost when the
// process exits.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/aretw0/sochen/pkg/domain"
)

// Store implements ports.WorkflowStore in memory.
// Safe for concurrent use. States are cloned on the way in and out, so a
// caller never shares memory with the store.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*domain.WorkflowState
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{workflows: make(map[string]*domain.WorkflowState)}
}

func (s *Store) Save(_ context.Context, workflowID string, state *domain.WorkflowState) error {
	snapshot := state.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[workflowID] = snapshot
	return nil
}

func (s *Store) Load(_ context.Context, workflowID string) (*domain.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.workflows[workflowID]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	return state.Clone(), nil
}

func (s *Store) Delete(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, workflowID)
	return nil
}

// List returns stored workflow IDs in lexical order.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.workflows)), nil
}
