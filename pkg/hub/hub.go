package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/internal/metrics"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/router"
	"golang.org/x/time/rate"
)

// WelcomeMessage is the first event every observer receives.
const WelcomeMessage = "Connected to Sochen"

// DefaultOutboxSize is how many broadcast events an observer may fall behind
// before new ones are dropped for it.
const DefaultOutboxSize = 64

// Observer receives events. Send must be safe to call from several goroutines.
type Observer interface {
	ID() string
	Send(ctx context.Context, e domain.Event) error
}

type subscriber struct {
	observer Observer
	limiter  *rate.Limiter
	outbox   chan domain.Event
}

// Hub fans events out to connected observers and dispatches their commands.
// Observers belong to the server, not to a workflow: disconnecting never
// cancels a running loop.
type Hub struct {
	router *router.Router
	ledger *ledger.Ledger

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	// base outlives any single connection; workflow loops run under it.
	base    context.Context
	version string
	limit   rate.Limit
	burst   int
	outbox  int
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// Option configures the Hub.
type Option func(*Hub)

// WithLogger configures the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithMetrics records observer counts and dropped events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithVersion sets the version announced in the welcome event.
func WithVersion(v string) Option {
	return func(h *Hub) {
		h.version = v
	}
}

// WithRateLimit bounds inbound commands per observer. A zero rate disables the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Hub) {
		h.limit = rate.Limit(perSecond)
		h.burst = burst
	}
}

// WithOutboxSize bounds the broadcast events queued per observer.
func WithOutboxSize(n int) Option {
	return func(h *Hub) {
		h.outbox = n
	}
}

// WithBaseContext sets the context workflow loops run under.
func WithBaseContext(ctx context.Context) Option {
	return func(h *Hub) {
		h.base = ctx
	}
}

// New creates a hub that starts workflows on r and reads them from l.
func New(r *router.Router, l *ledger.Ledger, opts ...Option) *Hub {
	h := &Hub{
		router:      r,
		ledger:      l,
		subscribers: make(map[string]*subscriber),
		base:        context.Background(),
		version:     "dev",
		limit:       rate.Inf,
		burst:       1,
		outbox:      DefaultOutboxSize,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.limit == 0 {
		h.limit = rate.Inf
	}
	if h.outbox <= 0 {
		h.outbox = DefaultOutboxSize
	}
	return h
}

// Subscribe sends o the welcome event and registers it for broadcasts.
// Broadcasts reach o through its own outbox, so a slow observer never holds
// up the publisher.
func (h *Hub) Subscribe(ctx context.Context, o Observer) {
	h.reply(ctx, o, domain.NewEvent(domain.EventStatus, WelcomeMessage, map[string]any{
		"version":          h.version,
		"active_workflows": len(h.router.Active()),
	}))

	s := &subscriber{
		observer: o,
		limiter:  rate.NewLimiter(h.limit, h.burst),
		outbox:   make(chan domain.Event, h.outbox),
	}
	h.mu.Lock()
	if old, ok := h.subscribers[o.ID()]; ok {
		close(old.outbox)
	}
	h.subscribers[o.ID()] = s
	n := len(h.subscribers)
	h.mu.Unlock()

	go h.drain(s)

	h.observersChanged(n)
	h.logger.Info("Observer connected", "observer", o.ID(), "observers", n)
}

// drain delivers queued broadcasts until the outbox is closed.
func (h *Hub) drain(s *subscriber) {
	for e := range s.outbox {
		h.reply(h.base, s.observer, e)
	}
}

// Unsubscribe removes o. When the last observer leaves, halted workflows are
// evicted from the ledger's active set; running loops continue.
func (h *Hub) Unsubscribe(o Observer) {
	h.mu.Lock()
	if s, ok := h.subscribers[o.ID()]; ok {
		close(s.outbox)
		delete(h.subscribers, o.ID())
	}
	n := len(h.subscribers)
	h.mu.Unlock()

	h.observersChanged(n)
	h.logger.Info("Observer disconnected", "observer", o.ID(), "observers", n)

	if n == 0 {
		if evicted := h.ledger.EvictHalted(); len(evicted) > 0 {
			h.logger.Debug("Evicted halted workflows", "workflows", evicted)
		}
	}
}

// Observers returns the IDs of connected observers, sorted.
func (h *Hub) Observers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Sorted(maps.Keys(h.subscribers))
}

// Publish queues e for every observer and returns without waiting for
// delivery. When an observer's outbox is full the event is dropped for it.
func (h *Hub) Publish(_ context.Context, e domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, s := range h.subscribers {
		select {
		case s.outbox <- e:
		default:
			h.logger.Warn("Observer outbox full, dropping event", "observer", id, "type", e.Type)
			if h.metrics != nil {
				h.metrics.EventsDropped.Inc()
			}
		}
	}
}

// reply sends e to a single observer.
func (h *Hub) reply(ctx context.Context, o Observer, e domain.Event) {
	if err := o.Send(ctx, e); err != nil {
		h.logger.Warn("Failed to deliver event", "observer", o.ID(), "type", e.Type, "error", err)
		if h.metrics != nil {
			h.metrics.EventsDropped.Inc()
		}
	}
}

func (h *Hub) fail(ctx context.Context, o Observer, format string, args ...any) {
	h.reply(ctx, o, domain.ErrorEvent(fmt.Sprintf(format, args...)))
}

func (h *Hub) observersChanged(n int) {
	if h.metrics != nil {
		h.metrics.Observers.Set(float64(n))
	}
}

func (h *Hub) allow(o Observer) bool {
	h.mu.RLock()
	s, ok := h.subscribers[o.ID()]
	h.mu.RUnlock()
	if !ok {
		// Commands from unregistered observers (e.g. tests, one-shot callers) are not limited.
		return true
	}
	return s.limiter.Allow()
}

// Hooks returns router hooks that publish step progress to every observer.
func (h *Hub) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepStart: func(ctx context.Context, e *domain.StepEvent) {
			h.Publish(ctx, domain.NewEvent(domain.EventStatus, fmt.Sprintf("Agent %s is working...", e.Agent), map[string]any{
				"agent":       e.Agent,
				"workflow_id": e.WorkflowID,
				"iteration":   e.Iteration,
			}))
		},
		OnStepEnd: func(ctx context.Context, e *domain.StepEvent) {
			data := map[string]any{
				"agent":       e.Agent,
				"workflow_id": e.WorkflowID,
				"iteration":   e.Iteration,
				"action":      e.Action,
				"status":      e.Status,
				"duration_ms": e.Duration.Milliseconds(),
			}
			if e.Err != nil {
				data["failure"] = e.Err.Error()
			}
			h.Publish(ctx, domain.NewEvent(domain.EventStatus, fmt.Sprintf("Agent %s finished", e.Agent), data))
		},
	}
}

// await publishes the outcome of a loop once it returns.
func (h *Hub) await(id string, outcome <-chan router.Outcome) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res := <-outcome
		ctx := h.base
		if res.Err != nil {
			h.logger.Error("Workflow loop failed", "workflow_id", id, "error", res.Err)
			h.Publish(ctx, domain.NewEvent(domain.EventStatus, fmt.Sprintf("Error in workflow: %v", res.Err), map[string]any{
				"workflow_id": id,
				"error":       true,
			}))
			return
		}
		h.completed(ctx, res.State)
	}()
}

func (h *Hub) completed(ctx context.Context, state *domain.WorkflowState) {
	h.logger.Info("Workflow finished", "workflow_id", state.ID, "status", state.Status)
	h.Publish(ctx, domain.NewEvent(domain.EventStatus, fmt.Sprintf("Workflow completed with status: %s", state.Status), map[string]any{
		"workflow_id": state.ID,
		"status":      state.Status,
	}))
	h.Publish(ctx, Results(state))
}

// Wait blocks until every completion started by the hub has been queued.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Results builds the workflow_results event for state. Change contents and
// step payloads are left out; the event carries paths, descriptions and the
// step trail.
func Results(state *domain.WorkflowState) domain.Event {
	changes := make([]map[string]any, 0, len(state.ProposedChanges))
	for _, c := range state.ProposedChanges {
		changes = append(changes, map[string]any{"file_path": c.FilePath, "description": c.Description})
	}
	accepted := make([]map[string]any, 0, len(state.AcceptedChanges))
	for _, c := range state.AcceptedChanges {
		accepted = append(accepted, map[string]any{"file_path": c.FilePath, "description": c.Description})
	}
	history := make([]map[string]any, 0, len(state.History))
	for _, s := range state.History {
		history = append(history, map[string]any{
			"agent":     s.Agent,
			"action":    s.Action,
			"timestamp": unix(s.Timestamp),
		})
	}

	return domain.NewEvent(domain.EventWorkflowResults, "", map[string]any{
		"workflow_id": state.ID,
		"state": map[string]any{
			"task":             state.Task,
			"status":           state.Status,
			"error":            state.Error,
			"current_agent":    state.CurrentAgent,
			"messages":         state.Messages,
			"code_issues":      state.CodeIssues,
			"security_issues":  state.SecurityIssues,
			"test_results":     state.TestResults,
			"proposed_changes": changes,
			"accepted_changes": accepted,
			"workflow_history": history,
		},
	})
}

// Status builds the data of a get_workflow_status reply.
func (h *Hub) Status(state *domain.WorkflowState) map[string]any {
	data := map[string]any{
		"workflow_id":   state.ID,
		"status":        state.Status,
		"current_agent": state.CurrentAgent,
		"next_agent":    state.NextAgent,
		"error":         state.Error,
		"iterations":    len(state.History),
		"running":       h.router.IsActive(state.ID),
		"start_time":    unix(state.CreatedAt),
	}
	if state.Status.Halted() {
		data["end_time"] = unix(state.UpdatedAt)
	}
	return data
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// invalidID reports whether err means the workflow does not exist.
func invalidID(err error) bool {
	return errors.Is(err, domain.ErrWorkflowNotFound)
}
