package ledger

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
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/ports"
	"github.com/google/uuid"
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Init seeds a new workflow.
type Init struct {
	// ID is used verbatim when set; otherwise a UUID is assigned.
	ID              string
	FilePaths       []string
	FocusedFilePath string
	Files           map[string]domain.CodeFile
}

// Ledger owns every write to workflow state. It serializes access per
// workflow ID, keeps active workflows cached, and persists each change
// before returning it.
type Ledger struct {
	store ports.WorkflowStore

	mu    sync.Mutex            // Global lock for the lock map
	locks map[string]*lockEntry // Per-workflow locks, reference counted

	cacheMu sync.RWMutex
	active  map[string]*domain.WorkflowState

	locker  ports.DistributedLocker
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures the Ledger.
type Option func(*Ledger)

// WithLocker enables distributed locking across replicas.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(l *Ledger) {
		l.locker = locker
	}
}

// WithLockTTL sets how long a distributed lock survives a crashed holder.
func WithLockTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		l.lockTTL = ttl
	}
}

// WithLogger configures a logger for the Ledger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// New creates a Ledger over the given persistence store.
func New(store ports.WorkflowStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		locks:   make(map[string]*lockEntry),
		active:  make(map[string]*domain.WorkflowState),
		lockTTL: 30 * time.Second,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// acquire gets or creates a lock entry and increments its reference count.
func (l *Ledger) acquire(id string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.locks[id]
	if !exists {
		entry = &lockEntry{}
		l.locks[id] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (l *Ledger) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.locks[id]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, id)
	}
}

// withLock executes fn while holding the lock for the workflow.
func (l *Ledger) withLock(ctx context.Context, id string, fn func(context.Context) error) error {
	entry := l.acquire(id)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		l.release(id)
	}()

	if l.locker != nil {
		unlock, err := l.locker.Lock(ctx, id, l.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			// The write already happened; a lost unlock only delays the next writer until the TTL.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				l.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"workflow_id", id,
					"error", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// current returns the cached state or loads it from the store. Caller holds the lock.
func (l *Ledger) current(ctx context.Context, id string) (*domain.WorkflowState, error) {
	// With a distributed locker another replica may have written; always reload.
	if l.locker == nil {
		l.cacheMu.RLock()
		state, ok := l.active[id]
		l.cacheMu.RUnlock()
		if ok {
			return state, nil
		}
	}

	state, err := l.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (l *Ledger) cache(state *domain.WorkflowState) {
	l.cacheMu.Lock()
	l.active[state.ID] = state
	l.cacheMu.Unlock()
}

// Create starts a RUNNING workflow for task and persists it before returning.
func (l *Ledger) Create(ctx context.Context, task string, init Init) (*domain.WorkflowState, error) {
	id := init.ID
	if id == "" {
		id = uuid.NewString()
	}

	state := domain.NewWorkflowState(id, task)
	state.FilePaths = slices.Clone(init.FilePaths)
	if init.FocusedFilePath != "" {
		state.FocusedFilePath = domain.Ptr(init.FocusedFilePath)
	}
	maps.Copy(state.Files, init.Files)

	err := l.withLock(ctx, id, func(ctx context.Context) error {
		if init.ID != "" {
			_, err := l.current(ctx, id)
			if err == nil {
				return fmt.Errorf("%w: %s", domain.ErrWorkflowExists, id)
			}
			if !errors.Is(err, domain.ErrWorkflowNotFound) {
				return fmt.Errorf("failed to check workflow existence: %w", err)
			}
		}

		state.Version = 1
		if err := l.store.Save(ctx, id, state); err != nil {
			return fmt.Errorf("failed to initialize workflow: %w", err)
		}
		l.cache(state)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Workflow created", "workflow_id", id)
	return state.Clone(), nil
}

// Load returns a snapshot of the workflow.
func (l *Ledger) Load(ctx context.Context, id string) (*domain.WorkflowState, error) {
	var snapshot *domain.WorkflowState
	err := l.withLock(ctx, id, func(ctx context.Context) error {
		state, err := l.current(ctx, id)
		if err != nil {
			return err
		}
		snapshot = state.Clone()
		return nil
	})
	return snapshot, err
}

// ApplyDelta merges delta into the workflow and persists the result before
// returning it. On any error the stored and cached state are unchanged.
func (l *Ledger) ApplyDelta(ctx context.Context, id string, delta *domain.Delta) (*domain.WorkflowState, error) {
	var snapshot *domain.WorkflowState
	err := l.withLock(ctx, id, func(ctx context.Context) error {
		state, err := l.current(ctx, id)
		if err != nil {
			return err
		}

		next := state.Clone()
		if err := next.Apply(delta); err != nil {
			return err
		}
		next.Version++

		if err := l.store.Save(ctx, id, next); err != nil {
			return fmt.Errorf("failed to persist workflow %s: %w", id, err)
		}
		l.cache(next)
		snapshot = next.Clone()
		return nil
	})
	return snapshot, err
}

// Persist durably writes the full current state.
func (l *Ledger) Persist(ctx context.Context, id string) error {
	return l.withLock(ctx, id, func(ctx context.Context) error {
		state, err := l.current(ctx, id)
		if err != nil {
			return err
		}
		return l.store.Save(ctx, id, state)
	})
}

// Evict drops a workflow from the active set. Its record stays in the store.
func (l *Ledger) Evict(id string) bool {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	_, ok := l.active[id]
	delete(l.active, id)
	return ok
}

// EvictHalted drops every cached workflow in a terminal status and returns their IDs.
func (l *Ledger) EvictHalted() []string {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()

	var evicted []string
	for id, state := range l.active {
		if state.Status.Terminal() {
			delete(l.active, id)
			evicted = append(evicted, id)
		}
	}
	slices.Sort(evicted)
	if len(evicted) > 0 {
		l.logger.Debug("Evicted halted workflows", "count", len(evicted))
	}
	return evicted
}

// Active returns the IDs currently cached, sorted.
func (l *Ledger) Active() []string {
	l.cacheMu.RLock()
	defer l.cacheMu.RUnlock()
	return slices.Sorted(maps.Keys(l.active))
}

// Delete removes the workflow from the store and the active set.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	return l.withLock(ctx, id, func(ctx context.Context) error {
		l.Evict(id)
		return l.store.Delete(ctx, id)
	})
}

// List delegates to the store.
func (l *Ledger) List(ctx context.Context) ([]string, error) {
	return l.store.List(ctx)
}

// Store returns the underlying workflow store.
func (l *Ledger) Store() ports.WorkflowStore {
	return l.store
}
