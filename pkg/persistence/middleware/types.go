// Package middleware wraps a WorkflowStore to transform state on its way to
// and from storage.
package middleware

import "github.com/aretw0/sochen/pkg/ports"

// Middleware allows wrapping a WorkflowStore to add behavior.
type Middleware func(ports.WorkflowStore) ports.WorkflowStore

// Chain applies mws so that the first one is outermost: it sees the state
// first on Save and last on Load.
func Chain(store ports.WorkflowStore, mws ...Middleware) ports.WorkflowStore {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
