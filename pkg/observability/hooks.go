package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/sochen/pkg/domain"
)

// LoggingHooks logs every step at debug level and every halt at info level.
func LoggingHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepStart: func(ctx context.Context, e *domain.StepEvent) {
			logger.DebugContext(ctx, "Step started",
				"workflow_id", e.WorkflowID,
				"agent", e.Agent,
				"iteration", e.Iteration,
				"fallback", e.Fallback,
			)
		},
		OnStepEnd: func(ctx context.Context, e *domain.StepEvent) {
			attrs := []any{
				"workflow_id", e.WorkflowID,
				"agent", e.Agent,
				"iteration", e.Iteration,
				"action", e.Action,
				"status", e.Status,
				"duration", e.Duration,
			}
			if e.Diff != nil {
				attrs = append(attrs, "diff", e.Diff.Map())
			}
			if e.Err != nil {
				attrs = append(attrs, "error", e.Err)
			}
			logger.DebugContext(ctx, "Step finished", attrs...)
		},
		OnHalt: func(ctx context.Context, s *domain.WorkflowState) {
			attrs := []any{"workflow_id", s.ID, "status", s.Status, "steps", len(s.History)}
			if s.Error != nil {
				attrs = append(attrs, "error", *s.Error)
			}
			logger.InfoContext(ctx, "Workflow halted", attrs...)
		},
	}
}
