package ports

import (
	"context"

	"github.com/aretw0/sochen/pkg/domain"
)

// Capability is a unit of work the router can invoke.
//
// Invoke receives a snapshot of the workflow and returns a delta to merge.
// It must not mutate state and must not persist the workflow itself; it may
// write to the memory store and the dependency graph as side effects.
// Invoke may block on external services; timeouts are its own concern.
type Capability interface {
	Name() string
	Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error)
}

// CapabilityFunc adapts a function into a Capability.
type CapabilityFunc struct {
	ID string
	Fn func(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error)
}

func (c CapabilityFunc) Name() string { return c.ID }

func (c CapabilityFunc) Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
	return c.Fn(ctx, state)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
