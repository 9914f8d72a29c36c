package router_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/sochen/pkg/adapters/memory"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/ports"
	"github.com/aretw0/sochen/pkg/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script returns a capability that replays deltas in order; the last one repeats.
func script(name string, calls *atomic.Int32, deltas ...*domain.Delta) ports.Capability {
	return ports.CapabilityFunc{
		ID: name,
		Fn: func(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
			n := int(calls.Add(1)) - 1
			if n >= len(deltas) {
				n = len(deltas) - 1
			}
			d := *deltas[n]
			return &d, nil
		},
	}
}

func next(agent string) *domain.Delta {
	return &domain.Delta{NextAgent: domain.Ptr(agent), Action: "decide"}
}

func halt(s domain.Status) *domain.Delta {
	return &domain.Delta{Status: domain.Ptr(s), Action: "decide"}
}

func setup(t *testing.T, opts ...router.Option) (*router.Router, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(memory.NewStore())
	return router.New(l, opts...), l
}

func create(t *testing.T, l *ledger.Ledger, files ...string) string {
	t.Helper()
	init := ledger.Init{Files: map[string]domain.CodeFile{}}
	for _, f := range files {
		init.FilePaths = append(init.FilePaths, f)
		init.Files[f] = domain.CodeFile{FilePath: f, Content: "def f():\n    return 1\n", Language: "Python"}
	}
	state, err := l.Create(context.Background(), "add docstring", init)
	require.NoError(t, err)
	return state.ID
}

func TestResolve(t *testing.T) {
	r, _ := setup(t)
	r.Register(ports.CapabilityFunc{ID: router.Bootstrap})
	r.Register(ports.CapabilityFunc{ID: "coder"})

	tests := []struct {
		name     string
		in       *string
		want     string
		fallback bool
	}{
		{"nil", nil, router.Bootstrap, true},
		{"empty", domain.Ptr(""), router.Bootstrap, true},
		{"registered", domain.Ptr("coder"), "coder", false},
		{"bootstrap", domain.Ptr(router.Bootstrap), router.Bootstrap, false},
		{"unknown", domain.Ptr("wizard"), router.Bootstrap, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, fb := r.Resolve(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.fallback, fb)
		})
	}
}

func TestRun_DocstringWorkflow(t *testing.T) {
	var orch, coder atomic.Int32
	r, l := setup(t)
	r.Register(script(router.Bootstrap, &orch, next("coder"), halt(domain.StatusCompleted)))
	r.Register(ports.CapabilityFunc{
		ID: "coder",
		Fn: func(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
			coder.Add(1)
			f, ok := state.FocusedFile()
			require.True(t, ok)
			updated := "def f():\n    \"\"\"Return one.\"\"\"\n    return 1\n"
			return &domain.Delta{
				NextAgent: domain.Ptr(router.Bootstrap),
				Action:    "code",
				Files:     map[string]domain.CodeFile{f.FilePath: {FilePath: f.FilePath, Content: updated, Language: f.Language}},
				ProposedChanges: []domain.CodeChange{{
					FilePath:        f.FilePath,
					OriginalContent: f.Content,
					NewContent:      updated,
					Description:     "add docstring",
				}},
			}, nil
		},
	})

	id := create(t, l, "a.py")
	final, err := r.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Contains(t, []domain.Status{domain.StatusCompleted, domain.StatusWaitingForHuman}, final.Status)
	require.Len(t, final.ProposedChanges, 1)
	assert.Equal(t, "a.py", final.ProposedChanges[0].FilePath)
	assert.Nil(t, final.NextAgent)

	// One Step per iteration, in order.
	require.Len(t, final.History, 3)
	assert.Equal(t, router.Bootstrap, final.History[0].Agent)
	assert.Equal(t, "coder", final.History[1].Agent)
	assert.Equal(t, "code", final.History[1].Action)
	assert.Equal(t, router.Bootstrap, final.History[2].Agent)
	assert.Equal(t, int32(2), orch.Load())
	assert.Equal(t, int32(1), coder.Load())
	assert.Equal(t, router.Bootstrap, final.CurrentAgent)
}

func TestRun_AntiHang(t *testing.T) {
	tests := []struct {
		name  string
		delta *domain.Delta
	}{
		{"explicit running", &domain.Delta{Status: domain.Ptr(domain.StatusRunning)}},
		{"empty delta", &domain.Delta{}},
		{"nil delta", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			r, l := setup(t)
			r.Register(ports.CapabilityFunc{
				ID: router.Bootstrap,
				Fn: func(ctx context.Context, _ *domain.WorkflowState) (*domain.Delta, error) {
					calls.Add(1)
					return tt.delta, nil
				},
			})

			final, err := r.Run(context.Background(), create(t, l))
			require.NoError(t, err)
			assert.Equal(t, domain.StatusError, final.Status)
			require.NotNil(t, final.Error)
			assert.Contains(t, *final.Error, domain.ErrInvalidState.Error())
			require.Len(t, final.History, 1)
			assert.Equal(t, "error", final.History[0].Action)
			assert.Equal(t, int32(1), calls.Load(), "must not loop")
		})
	}
}

func TestRun_ContradictoryDelta(t *testing.T) {
	r, l := setup(t)
	r.Register(ports.CapabilityFunc{
		ID: router.Bootstrap,
		Fn: func(ctx context.Context, _ *domain.WorkflowState) (*domain.Delta, error) {
			return &domain.Delta{Status: domain.Ptr(domain.StatusCompleted), NextAgent: domain.Ptr("coder")}, nil
		},
	})

	final, err := r.Run(context.Background(), create(t, l))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Len(t, final.History, 1)
}

func TestRun_ProviderFailure(t *testing.T) {
	var orch, coder atomic.Int32
	r, l := setup(t)
	r.Register(script(router.Bootstrap, &orch, next("coder")))
	r.Register(ports.CapabilityFunc{
		ID: "coder",
		Fn: func(ctx context.Context, _ *domain.WorkflowState) (*domain.Delta, error) {
			coder.Add(1)
			return nil, errors.New("model unavailable")
		},
	})

	final, err := r.Run(context.Background(), create(t, l))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusError, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "model unavailable")
	assert.Equal(t, int32(1), coder.Load(), "failures are never retried")

	require.Len(t, final.History, 2)
	failed := final.History[1]
	assert.Equal(t, "coder", failed.Agent)
	assert.Equal(t, "error", failed.Action)
	assert.Contains(t, failed.Output["error"], "model unavailable")
}

// flakyStore fails the save with the given sequence number, counting from one.
type flakyStore struct {
	ports.WorkflowStore
	failOn int32
	saves  atomic.Int32
}

func (f *flakyStore) Save(ctx context.Context, id string, state *domain.WorkflowState) error {
	if f.saves.Add(1) == f.failOn {
		return errors.New("disk full")
	}
	return f.WorkflowStore.Save(ctx, id, state)
}

func TestRun_UnrecordedResultHalts(t *testing.T) {
	var orch, coder atomic.Int32
	// Saves: create, orchestrator step, coder step.
	store := &flakyStore{WorkflowStore: memory.NewStore(), failOn: 3}
	l := ledger.New(store)
	r := router.New(l)
	r.Register(script(router.Bootstrap, &orch, next("coder"), halt(domain.StatusCompleted)))
	r.Register(ports.CapabilityFunc{
		ID: "coder",
		Fn: func(context.Context, *domain.WorkflowState) (*domain.Delta, error) {
			coder.Add(1)
			return &domain.Delta{NextAgent: domain.Ptr(router.Bootstrap), Action: "code"}, nil
		},
	})

	id := create(t, l)
	final, err := r.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusError, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "disk full")
	require.Len(t, final.History, 2)
	assert.Equal(t, "coder", final.History[1].Agent)
	assert.Equal(t, "error", final.History[1].Action)

	stored, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status, "the halt reached the store")

	// A halted workflow is never handed to the provider again.
	_, err = r.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), coder.Load())
}

func TestRun_UnknownAgentFallsBack(t *testing.T) {
	var orch atomic.Int32
	var fallbacks atomic.Int32
	r, l := setup(t, router.WithLifecycleHooks(domain.LifecycleHooks{
		OnStepStart: func(ctx context.Context, e *domain.StepEvent) {
			if e.Fallback {
				fallbacks.Add(1)
			}
		},
	}))
	r.Register(script(router.Bootstrap, &orch, next("wizard"), halt(domain.StatusCompleted)))

	final, err := r.Run(context.Background(), create(t, l))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, int32(2), orch.Load())
	// First iteration has no next_agent, second names an unknown one.
	assert.Equal(t, int32(2), fallbacks.Load())
}

func TestRun_MissingBootstrap(t *testing.T) {
	r, l := setup(t)

	final, err := r.Run(context.Background(), create(t, l))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, router.ErrNoBootstrap.Error())
}

func TestRun_IterationLimit(t *testing.T) {
	var orch atomic.Int32
	r, l := setup(t, router.WithMaxIterations(3))
	r.Register(script(router.Bootstrap, &orch, next(router.Bootstrap)))

	final, err := r.Run(context.Background(), create(t, l))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Equal(t, int32(3), orch.Load())
	require.Len(t, final.History, 4)
	assert.Equal(t, router.Agent, final.History[3].Agent)
	assert.Equal(t, "halt", final.History[3].Action)
}

func TestRun_HaltedIsNoop(t *testing.T) {
	var orch atomic.Int32
	r, l := setup(t)
	r.Register(script(router.Bootstrap, &orch, halt(domain.StatusCompleted)))
	id := create(t, l)

	_, err := r.Run(context.Background(), id)
	require.NoError(t, err)
	final, err := r.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, int32(1), orch.Load())
	assert.Len(t, final.History, 1)
}

func TestSubmit(t *testing.T) {
	var orch atomic.Int32
	r, l := setup(t)
	r.Register(script(router.Bootstrap, &orch, halt(domain.StatusCompleted)))

	done, err := r.Submit(context.Background(), create(t, l))
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusCompleted, out.State.Status)

	_, open := <-done
	assert.False(t, open, "channel is closed after the outcome")
	assert.Empty(t, r.Active())

	_, err = r.Submit(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

// blocking returns a bootstrap provider that waits for release on its first call.
func blocking(started chan<- struct{}, release <-chan struct{}, sawCancel *atomic.Bool) ports.Capability {
	var once sync.Once
	return ports.CapabilityFunc{
		ID: router.Bootstrap,
		Fn: func(ctx context.Context, _ *domain.WorkflowState) (*domain.Delta, error) {
			once.Do(func() { close(started) })
			<-release
			if ctx.Err() != nil {
				sawCancel.Store(true)
			}
			return next(router.Bootstrap), nil
		},
	}
}

func TestSubmit_AlreadyRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	r, l := setup(t, router.WithMaxIterations(1))
	r.Register(blocking(started, release, &sawCancel))
	id := create(t, l)

	done, err := r.Submit(context.Background(), id)
	require.NoError(t, err)
	<-started

	_, err = r.Submit(context.Background(), id)
	assert.ErrorIs(t, err, router.ErrAlreadyRunning)
	assert.Equal(t, []string{id}, r.Active())

	close(release)
	<-done
	r.Wait()
}

func TestCancel_AtIterationBoundary(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	r, l := setup(t)
	r.Register(blocking(started, release, &sawCancel))
	id := create(t, l)

	done, err := r.Submit(context.Background(), id)
	require.NoError(t, err)
	<-started

	assert.True(t, r.Cancel(id))
	close(release)

	out := <-done
	require.NoError(t, out.Err)
	assert.Equal(t, domain.StatusError, out.State.Status)
	require.NotNil(t, out.State.Error)
	assert.Equal(t, router.CanceledMessage, *out.State.Error)
	// The in-flight call finished and was recorded; no Step for the cancellation.
	assert.Len(t, out.State.History, 1)
	assert.False(t, r.Cancel(id))
}

func TestCancel_ContextDoesNotInterruptProvider(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	r, l := setup(t)
	r.Register(blocking(started, release, &sawCancel))
	id := create(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	done, err := r.Submit(ctx, id)
	require.NoError(t, err)
	<-started
	cancel()
	close(release)

	out := <-done
	require.NoError(t, out.Err)
	assert.False(t, sawCancel.Load(), "provider context must not be canceled")
	assert.Equal(t, domain.StatusError, out.State.Status)
	assert.Len(t, out.State.History, 1)
}

func TestResume(t *testing.T) {
	var orch atomic.Int32
	var sawFeedback atomic.Bool
	r, l := setup(t)
	r.Register(ports.CapabilityFunc{
		ID: router.Bootstrap,
		Fn: func(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
			if orch.Add(1) == 1 {
				return halt(domain.StatusWaitingForHuman), nil
			}
			for _, m := range state.Messages {
				if m.Role == domain.RoleHuman && m.Content == "looks good" {
					sawFeedback.Store(true)
				}
			}
			return halt(domain.StatusCompleted), nil
		},
	})
	id := create(t, l)

	waiting, err := r.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaitingForHuman, waiting.Status)

	done, err := r.Resume(context.Background(), id, "looks good")
	require.NoError(t, err)
	out := <-done
	require.NoError(t, out.Err)

	assert.Equal(t, domain.StatusCompleted, out.State.Status)
	assert.True(t, sawFeedback.Load())
	assert.Len(t, out.State.History, 2)

	_, err = r.Resume(context.Background(), id, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Empty(t, r.Active())
}

func TestConclude_AcceptsChanges(t *testing.T) {
	var orch atomic.Int32
	r, l := setup(t)
	r.Register(script(router.Bootstrap, &orch, next("coder"), halt(domain.StatusWaitingForHuman)))
	r.Register(ports.CapabilityFunc{
		ID: "coder",
		Fn: func(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
			return &domain.Delta{
				NextAgent:       domain.Ptr(router.Bootstrap),
				ProposedChanges: []domain.CodeChange{{FilePath: "a.py", NewContent: "x"}},
			}, nil
		},
	})
	id := create(t, l, "a.py")

	_, err := r.Run(context.Background(), id)
	require.NoError(t, err)

	var halted atomic.Int32
	r.AddHooks(domain.LifecycleHooks{OnHalt: func(context.Context, *domain.WorkflowState) { halted.Add(1) }})

	final, err := r.Conclude(context.Background(), id, "ship it", true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Empty(t, final.ProposedChanges)
	require.Len(t, final.AcceptedChanges, 1)
	assert.Equal(t, "a.py", final.AcceptedChanges[0].FilePath)
	assert.Equal(t, int32(1), halted.Load())

	_, err = r.Conclude(context.Background(), id, "", false)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestConclude_CleansFeedback(t *testing.T) {
	r, l := setup(t, router.WithFeedbackLimit(16))
	r.Register(ports.CapabilityFunc{
		ID: router.Bootstrap,
		Fn: func(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
			return halt(domain.StatusWaitingForHuman), nil
		},
	})
	id := create(t, l)
	_, err := r.Run(context.Background(), id)
	require.NoError(t, err)

	_, err = r.Conclude(context.Background(), id, strings.Repeat("x", 17), false)
	assert.ErrorIs(t, err, domain.ErrFeedbackTooLong)
	_, err = r.Resume(context.Background(), id, "bad\xff")
	assert.ErrorIs(t, err, domain.ErrFeedbackEncoding)

	final, err := r.Conclude(context.Background(), id, "\x1b[1mfine\x1b[0m", false)
	require.NoError(t, err)
	last := final.Messages[len(final.Messages)-1]
	assert.Equal(t, "[1mfine[0m", last.Content)
}

func TestRun_BlastRadius(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode("a.py", graph.TypeFile, nil))
	require.NoError(t, g.AddNode("b.py", graph.TypeFile, nil))
	_, err := g.AddEdge("b.py", "a.py", graph.EdgeImports, nil)
	require.NoError(t, err)

	var orch atomic.Int32
	r, l := setup(t, router.WithGraph(g))
	r.Register(script(router.Bootstrap, &orch, next("coder"), halt(domain.StatusCompleted)))
	r.Register(ports.CapabilityFunc{
		ID: "coder",
		Fn: func(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
			return &domain.Delta{
				NextAgent:       domain.Ptr(router.Bootstrap),
				ProposedChanges: []domain.CodeChange{{FilePath: "a.py", NewContent: "x"}},
			}, nil
		},
	})

	final, err := r.Run(context.Background(), create(t, l, "a.py"))
	require.NoError(t, err)
	require.Len(t, final.History, 3)

	out := final.History[1].Output
	assert.Equal(t, []string{"a.py", "b.py"}, out["affected"])
	assert.Equal(t, []string{"a.py", "b.py"}, out["review_order"])
	assert.Equal(t, router.Bootstrap, out["next_agent"])
}

func TestRun_ProviderGetsSnapshot(t *testing.T) {
	r, l := setup(t)
	r.Register(ports.CapabilityFunc{
		ID: router.Bootstrap,
		Fn: func(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
			state.Task = "hijacked"
			state.Files["evil.py"] = domain.CodeFile{FilePath: "evil.py"}
			return halt(domain.StatusCompleted), nil
		},
	})

	final, err := r.Run(context.Background(), create(t, l))
	require.NoError(t, err)
	assert.Equal(t, "add docstring", final.Task)
	assert.NotContains(t, final.Files, "evil.py")
}

func TestHooks(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}

	var orch atomic.Int32
	r, l := setup(t, router.WithLifecycleHooks(domain.LifecycleHooks{
		OnStepStart: func(_ context.Context, e *domain.StepEvent) { record("start:" + e.Agent) },
		OnStepEnd: func(_ context.Context, e *domain.StepEvent) {
			record("end:" + e.Agent + ":" + string(e.Status))
			assert.NotNil(t, e.Diff)
			assert.GreaterOrEqual(t, e.Duration, time.Duration(0))
		},
		OnHalt: func(_ context.Context, s *domain.WorkflowState) { record("halt:" + string(s.Status)) },
	}))
	r.Register(script(router.Bootstrap, &orch, halt(domain.StatusCompleted)))

	_, err := r.Run(context.Background(), create(t, l))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"start:orchestrator",
		"end:orchestrator:COMPLETED",
		"halt:COMPLETED",
	}, events)
}
