package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggingHooks(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	hooks := LoggingHooks(logging.NewFromCore(core))
	ctx := context.Background()

	hooks.OnStepStart(ctx, &domain.StepEvent{WorkflowID: "wf-1", Agent: "architect", Iteration: 1})
	hooks.OnStepEnd(ctx, &domain.StepEvent{
		WorkflowID: "wf-1",
		Agent:      "architect",
		Iteration:  1,
		Action:     "analyze",
		Status:     domain.StatusRunning,
		Duration:   time.Millisecond,
		Err:        errors.New("boom"),
	})
	hooks.OnHalt(ctx, &domain.WorkflowState{ID: "wf-1", Status: domain.StatusCompleted})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "Step started", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "architect", entries[0].ContextMap()["agent"])

	assert.Equal(t, "Step finished", entries[1].Message)
	assert.Equal(t, "analyze", entries[1].ContextMap()["action"])
	assert.Contains(t, entries[1].ContextMap(), "err")

	assert.Equal(t, "Workflow halted", entries[2].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
}

func TestWatcher(t *testing.T) {
	w := NewWatcher()
	ctx, cancel := context.WithCancel(context.Background())
	updates := w.Watch(ctx)

	hooks := w.Hooks()
	hooks.OnStepEnd(ctx, &domain.StepEvent{WorkflowID: "wf-1", Agent: "architect", Action: "analyze", Iteration: 1, Status: domain.StatusRunning})

	snap := <-updates
	assert.Equal(t, "architect", snap.Agent)
	assert.Equal(t, domain.StatusRunning, snap.Status)

	hooks.OnHalt(ctx, &domain.WorkflowState{
		ID:           "wf-1",
		Status:       domain.StatusWaitingForHuman,
		CurrentAgent: "orchestrator",
		History:      []domain.Step{{Agent: "orchestrator", Action: "ask_human"}},
	})
	latest, ok := w.Latest("wf-1")
	require.True(t, ok)
	assert.Equal(t, domain.StatusWaitingForHuman, latest.Status)
	assert.Equal(t, "ask_human", latest.Action)
	assert.Equal(t, 1, latest.Iteration)

	w.Forget("wf-1")
	_, ok = w.Latest("wf-1")
	assert.False(t, ok)

	cancel()
	for range updates {
	}
}
