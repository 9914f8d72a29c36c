package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/sochen/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunWorkflowStoreContract runs a suite of tests to verify that a WorkflowStore
// implementation adheres to the defined interface contract.
func RunWorkflowStoreContract(t *testing.T, store WorkflowStore) {
	ctx := context.Background()
	workflowID := "contract-test-workflow-" + time.Now().Format("20060102150405")

	t.Run("Save and Load", func(t *testing.T) {
		state := domain.NewWorkflowState(workflowID, "add docstring")
		state.NextAgent = domain.Ptr("coder")
		state.Files["a.py"] = domain.CodeFile{FilePath: "a.py", Content: "def f(): pass", Language: "Python"}
		state.History = append(state.History, domain.Step{
			Agent:     "orchestrator",
			Action:    "decide",
			Output:    map[string]any{"next_agent": "coder"},
			Timestamp: time.Now().UTC(),
		})
		state.Version = 3

		err := store.Save(ctx, workflowID, state)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, workflowID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, state.Task, loaded.Task)
		assert.Equal(t, domain.StatusRunning, loaded.Status)
		require.NotNil(t, loaded.NextAgent)
		assert.Equal(t, "coder", *loaded.NextAgent)
		assert.Equal(t, "Python", loaded.Files["a.py"].Language)
		require.Len(t, loaded.History, 1)
		assert.Equal(t, "coder", loaded.History[0].Output["next_agent"])
		assert.Equal(t, int64(3), loaded.Version)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+workflowID)
		assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
	})

	t.Run("Isolation", func(t *testing.T) {
		state := domain.NewWorkflowState(workflowID, "original")
		require.NoError(t, store.Save(ctx, workflowID, state))

		// Mutating the saved pointer must not leak into the store.
		state.Task = "mutated"
		loaded, err := store.Load(ctx, workflowID)
		require.NoError(t, err)
		assert.Equal(t, "original", loaded.Task)
	})

	t.Run("Delete", func(t *testing.T) {
		err := store.Save(ctx, workflowID, domain.NewWorkflowState(workflowID, "task"))
		require.NoError(t, err)

		err = store.Delete(ctx, workflowID)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, workflowID)
		assert.ErrorIs(t, err, domain.ErrWorkflowNotFound, "Load after Delete should return ErrWorkflowNotFound")
	})

	t.Run("List", func(t *testing.T) {
		id1 := workflowID + "-1"
		id2 := workflowID + "-2"
		_ = store.Save(ctx, id1, domain.NewWorkflowState(id1, "task"))
		_ = store.Save(ctx, id2, domain.NewWorkflowState(id2, "task"))

		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
	})
}
