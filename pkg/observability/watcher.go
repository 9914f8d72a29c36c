package observability

import (
	"context"
	"sync"
	"time"

	"github.com/aretw0/sochen/pkg/domain"
)

// Snapshot is the latest known position of one workflow.
type Snapshot struct {
	WorkflowID string            `json:"workflow_id"`
	Agent      string            `json:"agent"`
	Action     string            `json:"action,omitempty"`
	Iteration  int               `json:"iteration"`
	Status     domain.Status     `json:"status"`
	Diff       *domain.StateDiff `json:"diff,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Watcher keeps the latest Snapshot per workflow and fans updates out to
// subscribers. Slow subscribers miss intermediate snapshots rather than
// blocking the router.
type Watcher struct {
	mu        sync.RWMutex
	latest    map[string]Snapshot
	listeners map[chan Snapshot]struct{}
}

// NewWatcher creates an empty watcher.
func NewWatcher() *Watcher {
	return &Watcher{
		latest:    make(map[string]Snapshot),
		listeners: make(map[chan Snapshot]struct{}),
	}
}

// Hooks returns router hooks that feed the watcher.
func (w *Watcher) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepEnd: func(_ context.Context, e *domain.StepEvent) {
			w.publish(Snapshot{
				WorkflowID: e.WorkflowID,
				Agent:      e.Agent,
				Action:     e.Action,
				Iteration:  e.Iteration,
				Status:     e.Status,
				Diff:       e.Diff,
				UpdatedAt:  time.Now().UTC(),
			})
		},
		OnHalt: func(_ context.Context, s *domain.WorkflowState) {
			snap := Snapshot{WorkflowID: s.ID, Agent: s.CurrentAgent, Status: s.Status, Iteration: len(s.History), UpdatedAt: time.Now().UTC()}
			if last, ok := s.LastStep(); ok {
				snap.Action = last.Action
			}
			w.publish(snap)
		},
	}
}

// Latest returns the last snapshot of a workflow.
func (w *Watcher) Latest(id string) (Snapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.latest[id]
	return s, ok
}

// Forget drops the snapshot of a workflow.
func (w *Watcher) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.latest, id)
}

// Watch streams snapshots until ctx is done. The channel is closed afterwards.
func (w *Watcher) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 16)
	w.mu.Lock()
	w.listeners[ch] = struct{}{}
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		delete(w.listeners, ch)
		close(ch)
		w.mu.Unlock()
	}()
	return ch
}

func (w *Watcher) publish(s Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latest[s.WorkflowID] = s
	for ch := range w.listeners {
		select {
		case ch <- s:
		default:
		}
	}
}
