package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/internal/metrics"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/ports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Bootstrap is the provider that decides the next provider when none is set
// or the requested one is unknown.
const Bootstrap = "orchestrator"

// Agent is the name recorded on Steps the router writes on its own behalf.
const Agent = "router"

// CanceledMessage is recorded in the workflow error when a loop is canceled.
const CanceledMessage = "workflow canceled"

var (
	// ErrAlreadyRunning is returned when a loop is already active for the workflow.
	ErrAlreadyRunning = errors.New("workflow already running")
	// ErrNotWaiting is returned when feedback targets a workflow that is not waiting for a human.
	ErrNotWaiting = fmt.Errorf("%w: workflow is not waiting for human feedback", domain.ErrInvalidState)
	// ErrNoBootstrap is reported when the bootstrap provider was never registered.
	ErrNoBootstrap = errors.New("bootstrap provider not registered")
)

// Outcome is the final result of one router loop.
type Outcome struct {
	State *domain.WorkflowState
	Err   error
}

// run tracks one active loop.
type run struct {
	canceled atomic.Bool
}

// Router drives workflows through their providers. It is the only caller of
// ledger.ApplyDelta on behalf of providers; one loop per workflow ID may be
// active at a time.
type Router struct {
	ledger *ledger.Ledger

	capsMu sync.RWMutex
	caps   map[string]ports.Capability
	hooks  []domain.LifecycleHooks

	runsMu sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup

	graph         *graph.Graph
	metrics       *metrics.Metrics
	maxIterations int
	feedbackLimit int
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New creates a Router over the ledger.
func New(l *ledger.Ledger, opts ...Option) *Router {
	r := &Router{
		ledger:        l,
		caps:          make(map[string]ports.Capability),
		runs:          make(map[string]*run),
		maxIterations: DefaultMaxIterations,
		feedbackLimit: domain.MaxFeedbackBytes,
		logger:        logging.NewNop(),
		tracer:        otel.Tracer("github.com/aretw0/sochen/pkg/router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a capability provider.
func (r *Router) Register(c ports.Capability) {
	r.capsMu.Lock()
	defer r.capsMu.Unlock()
	r.caps[c.Name()] = c
}

// AddHooks registers an additional set of lifecycle hooks.
func (r *Router) AddHooks(hooks domain.LifecycleHooks) {
	r.capsMu.Lock()
	defer r.capsMu.Unlock()
	r.hooks = append(r.hooks, hooks)
}

// Capabilities lists registered provider names, sorted.
func (r *Router) Capabilities() []string {
	r.capsMu.RLock()
	defer r.capsMu.RUnlock()
	return slices.Sorted(maps.Keys(r.caps))
}

// Resolve maps a requested provider name to a registered one. A nil, empty or
// unregistered name resolves to Bootstrap and reports fallback = true.
func (r *Router) Resolve(name *string) (id string, fallback bool) {
	if name == nil || *name == "" {
		return Bootstrap, true
	}
	r.capsMu.RLock()
	_, ok := r.caps[*name]
	r.capsMu.RUnlock()
	if !ok {
		return Bootstrap, *name != Bootstrap
	}
	return *name, false
}

func (r *Router) capability(name string) (ports.Capability, bool) {
	r.capsMu.RLock()
	defer r.capsMu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Run drives the workflow until it halts and returns the final state.
// The error is non-nil only when the ledger itself fails; provider failures
// are recorded in the state.
func (r *Router) Run(ctx context.Context, id string) (*domain.WorkflowState, error) {
	h, err := r.begin(id)
	if err != nil {
		return nil, err
	}
	defer r.end(id)
	return r.loop(ctx, id, h)
}

// Submit starts the loop in its own goroutine. The channel receives exactly
// one Outcome and is then closed.
func (r *Router) Submit(ctx context.Context, id string) (<-chan Outcome, error) {
	if _, err := r.ledger.Load(ctx, id); err != nil {
		return nil, err
	}
	h, err := r.begin(id)
	if err != nil {
		return nil, err
	}
	return r.spawn(ctx, id, h), nil
}

// Resume records human feedback on a WAITING_FOR_HUMAN workflow, hands control
// back to the bootstrap provider and restarts the loop.
func (r *Router) Resume(ctx context.Context, id, feedback string) (<-chan Outcome, error) {
	feedback, err := domain.CleanFeedback(feedback, r.feedbackLimit)
	if err != nil {
		return nil, err
	}
	h, err := r.begin(id)
	if err != nil {
		return nil, err
	}

	delta := &domain.Delta{
		Status:    domain.Ptr(domain.StatusRunning),
		NextAgent: domain.Ptr(Bootstrap),
	}
	if feedback != "" {
		delta.Messages = []domain.Message{{Role: domain.RoleHuman, Content: feedback}}
	}
	if err := r.applyIfWaiting(ctx, id, delta); err != nil {
		r.end(id)
		return nil, err
	}

	return r.spawn(ctx, id, h), nil
}

// Conclude closes a WAITING_FOR_HUMAN workflow without running any provider.
// When accept is true every proposed change is accepted first.
func (r *Router) Conclude(ctx context.Context, id, feedback string, accept bool) (*domain.WorkflowState, error) {
	feedback, err := domain.CleanFeedback(feedback, r.feedbackLimit)
	if err != nil {
		return nil, err
	}
	if _, err := r.begin(id); err != nil {
		return nil, err
	}
	defer r.end(id)

	state, err := r.ledger.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if state.Status != domain.StatusWaitingForHuman {
		return nil, ErrNotWaiting
	}

	delta := &domain.Delta{Status: domain.Ptr(domain.StatusCompleted)}
	if accept {
		delta.AcceptChanges = state.AcceptAll()
	}
	if feedback != "" {
		delta.Messages = []domain.Message{{Role: domain.RoleHuman, Content: feedback}}
	}
	final, err := r.ledger.ApplyDelta(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	r.halted(ctx, final)
	return final, nil
}

// Cancel asks an active loop to stop at its next iteration boundary.
func (r *Router) Cancel(id string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	h, ok := r.runs[id]
	if ok {
		h.canceled.Store(true)
	}
	return ok
}

// Active returns the IDs of workflows whose loop is running, sorted.
func (r *Router) Active() []string {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	return slices.Sorted(maps.Keys(r.runs))
}

// IsActive reports whether a loop is running for id.
func (r *Router) IsActive(id string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.runs[id]
	return ok
}

// Wait blocks until every submitted loop has returned.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) applyIfWaiting(ctx context.Context, id string, delta *domain.Delta) error {
	state, err := r.ledger.Load(ctx, id)
	if err != nil {
		return err
	}
	if state.Status != domain.StatusWaitingForHuman {
		return ErrNotWaiting
	}
	_, err = r.ledger.ApplyDelta(ctx, id, delta)
	return err
}

func (r *Router) begin(id string) (*run, error) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	if _, ok := r.runs[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	h := &run{}
	r.runs[id] = h
	if r.metrics != nil {
		r.metrics.ActiveWorkflows.Inc()
	}
	return h, nil
}

func (r *Router) end(id string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	delete(r.runs, id)
	if r.metrics != nil {
		r.metrics.ActiveWorkflows.Dec()
	}
}

func (r *Router) spawn(ctx context.Context, id string, h *run) <-chan Outcome {
	out := make(chan Outcome, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(out)
		state, err := r.loop(ctx, id, h)
		// Unregister before delivering so a receiver may resume immediately.
		r.end(id)
		out <- Outcome{State: state, Err: err}
	}()
	return out
}

func (r *Router) loop(ctx context.Context, id string, h *run) (*domain.WorkflowState, error) {
	// Ledger writes must complete even when the caller goes away.
	store := context.WithoutCancel(ctx)

	state, err := r.ledger.Load(store, id)
	if err != nil {
		return nil, err
	}

	for iteration := 1; ; iteration++ {
		if state.Status.Halted() {
			if iteration > 1 {
				r.halted(ctx, state)
			}
			return state, nil
		}

		if ctx.Err() != nil || h.canceled.Load() {
			r.logger.Info("Workflow canceled", "workflow_id", id, "iteration", iteration)
			state, err = r.ledger.ApplyDelta(store, id, &domain.Delta{
				Status: domain.Ptr(domain.StatusError),
				Error:  domain.Ptr(CanceledMessage),
			})
			if err != nil {
				return nil, err
			}
			continue
		}

		if iteration > r.maxIterations {
			msg := fmt.Sprintf("iteration limit of %d reached", r.maxIterations)
			r.logger.Warn("Workflow halted by iteration limit", "workflow_id", id, "limit", r.maxIterations)
			state, err = r.ledger.ApplyDelta(store, id, &domain.Delta{
				Status:       domain.Ptr(domain.StatusError),
				CurrentAgent: domain.Ptr(Agent),
				Error:        domain.Ptr(msg),
				Steps: []domain.Step{{
					Agent:     Agent,
					Action:    "halt",
					Input:     snapshot(state, iteration),
					Output:    map[string]any{"error": msg},
					Timestamp: time.Now().UTC(),
				}},
			})
			if err != nil {
				return nil, err
			}
			continue
		}

		state, err = r.step(ctx, state, iteration)
		if err != nil {
			return state, err
		}
	}
}

// step performs one iteration and returns the persisted state.
func (r *Router) step(ctx context.Context, state *domain.WorkflowState, iteration int) (*domain.WorkflowState, error) {
	store := context.WithoutCancel(ctx)
	name, fallback := r.Resolve(state.NextAgent)
	if fallback && state.NextAgent != nil {
		r.logger.Warn("Unknown provider requested, falling back",
			"workflow_id", state.ID,
			"requested", *state.NextAgent,
			"fallback", name,
		)
	}

	event := &domain.StepEvent{
		WorkflowID: state.ID,
		Agent:      name,
		Iteration:  iteration,
		Fallback:   fallback,
	}
	r.emitStart(ctx, event)

	input := snapshot(state, iteration)
	start := time.Now()
	delta, callErr := r.invoke(ctx, name, state)
	event.Duration = time.Since(start)

	if callErr == nil {
		callErr = checkContract(name, delta)
	}

	var next *domain.WorkflowState
	var err error
	if callErr == nil {
		next, err = r.ledger.ApplyDelta(store, state.ID, r.merge(name, delta, input))
		switch {
		case errors.Is(err, domain.ErrInvalidState):
			callErr, err = err, nil
		case err != nil:
			// Halt rather than leave a RUNNING record that would call the
			// provider again on the next Submit.
			callErr, err = fmt.Errorf("result of %s was not recorded: %w", name, err), nil
		}
	}
	if callErr != nil {
		r.logger.Error("Provider step failed",
			"workflow_id", state.ID,
			"agent", name,
			"iteration", iteration,
			"error", callErr,
		)
		next, err = r.ledger.ApplyDelta(store, state.ID, failure(name, input, callErr))
	}
	if err != nil {
		return state, fmt.Errorf("failed to record step %d of workflow %s: %w", iteration, state.ID, err)
	}

	outcome := "ok"
	if callErr != nil {
		outcome = "error"
	}
	if r.metrics != nil {
		r.metrics.Iterations.WithLabelValues(name, outcome).Inc()
		r.metrics.ProviderDuration.WithLabelValues(name).Observe(event.Duration.Seconds())
	}

	if last, ok := next.LastStep(); ok {
		event.Action = last.Action
	}
	event.Status = next.Status
	event.Err = callErr
	event.Diff = domain.Diff(state, next)
	r.emitEnd(ctx, event)

	return next, nil
}

// invoke calls the provider with a detached context so cancellation never
// interrupts an in-flight external call.
func (r *Router) invoke(ctx context.Context, name string, state *domain.WorkflowState) (*domain.Delta, error) {
	c, ok := r.capability(name)
	if !ok {
		return nil, &domain.ProviderError{Provider: name, Err: ErrNoBootstrap}
	}

	callCtx, span := r.tracer.Start(context.WithoutCancel(ctx), "router.invoke",
		trace.WithAttributes(
			attribute.String("workflow.id", state.ID),
			attribute.String("provider", name),
		),
	)
	defer span.End()

	delta, err := c.Invoke(callCtx, state.Clone())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failed")
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &domain.ProviderError{Provider: name, Err: err}
	}
	return delta, nil
}

// checkContract rejects deltas that would leave the workflow RUNNING without a
// next provider.
func checkContract(name string, d *domain.Delta) error {
	if d == nil {
		return fmt.Errorf("%w: provider %s returned no delta", domain.ErrInvalidState, name)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if (d.Status == nil || *d.Status == domain.StatusRunning) && !d.Advances() {
		return fmt.Errorf("%w: provider %s left the workflow RUNNING without a next agent", domain.ErrInvalidState, name)
	}
	return nil
}

// merge builds the ledger delta for a successful call, attaching its Step.
func (r *Router) merge(name string, d *domain.Delta, input map[string]any) *domain.Delta {
	merged := *d
	merged.CurrentAgent = domain.Ptr(name)

	output := maps.Clone(d.Output)
	if output == nil {
		output = map[string]any{}
	}
	if d.Status != nil {
		output["status"] = string(*d.Status)
	}
	if d.Advances() {
		output["next_agent"] = *d.NextAgent
	}
	if len(d.ProposedChanges) > 0 {
		r.blastRadius(d.ProposedChanges, output)
	}

	action := d.Action
	if action == "" {
		action = "invoke"
	}
	// Exactly one Step per iteration; the router owns it.
	merged.Steps = []domain.Step{{
		Agent:     name,
		Action:    action,
		Input:     input,
		Output:    output,
		Timestamp: time.Now().UTC(),
	}}
	return &merged
}

func (r *Router) blastRadius(changes []domain.CodeChange, output map[string]any) {
	if r.graph == nil {
		return
	}
	ids := make([]string, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.FilePath)
	}
	output["affected"] = r.graph.Affected(ids)
	order, err := r.graph.ReviewOrder(ids)
	if err != nil {
		r.logger.Warn("Review order unavailable", "error", err)
	}
	output["review_order"] = order
}

func failure(name string, input map[string]any, cause error) *domain.Delta {
	msg := cause.Error()
	return &domain.Delta{
		Status:       domain.Ptr(domain.StatusError),
		CurrentAgent: domain.Ptr(name),
		Error:        domain.Ptr(msg),
		Steps: []domain.Step{{
			Agent:     name,
			Action:    "error",
			Input:     input,
			Output:    map[string]any{"error": msg},
			Timestamp: time.Now().UTC(),
		}},
	}
}

// snapshot is the subset of state recorded as a Step's input.
func snapshot(state *domain.WorkflowState, iteration int) map[string]any {
	in := map[string]any{
		"task":      state.Task,
		"status":    string(state.Status),
		"iteration": iteration,
		"files":     slices.Sorted(maps.Keys(state.Files)),
	}
	if state.NextAgent != nil {
		in["next_agent"] = *state.NextAgent
	}
	if state.FocusedFilePath != nil {
		in["focused_file_path"] = *state.FocusedFilePath
	}
	return in
}

func (r *Router) halted(ctx context.Context, state *domain.WorkflowState) {
	r.logger.Info("Workflow halted",
		"workflow_id", state.ID,
		"status", state.Status,
		"steps", len(state.History),
	)
	if r.metrics != nil {
		r.metrics.FinishedWorkflows.WithLabelValues(string(state.Status)).Inc()
	}
	for _, h := range r.hookSet() {
		if h.OnHalt != nil {
			h.OnHalt(ctx, state.Clone())
		}
	}
}

func (r *Router) emitStart(ctx context.Context, e *domain.StepEvent) {
	for _, h := range r.hookSet() {
		if h.OnStepStart != nil {
			h.OnStepStart(ctx, e)
		}
	}
}

func (r *Router) emitEnd(ctx context.Context, e *domain.StepEvent) {
	for _, h := range r.hookSet() {
		if h.OnStepEnd != nil {
			h.OnStepEnd(ctx, e)
		}
	}
}

func (r *Router) hookSet() []domain.LifecycleHooks {
	r.capsMu.RLock()
	defer r.capsMu.RUnlock()
	return slices.Clone(r.hooks)
}
