package domain

import (
	"errors"
	"fmt"
)

// ErrWorkflowNotFound is returned when a workflow ID cannot be found in the store.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrWorkflowExists is returned when creating a workflow under an ID already in use.
var ErrWorkflowExists = errors.New("workflow already exists")

// ErrInvalidState is returned when a delta violates the state transition contract.
var ErrInvalidState = errors.New("invalid state")

// ProviderError wraps a failure raised by a capability provider.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
