package providers

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/internal/workspace"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/llm"
	"github.com/aretw0/sochen/pkg/memory"
	"github.com/aretw0/sochen/pkg/ports"
)

// Orchestrator is the name of the routing provider.
const Orchestrator = "orchestrator"

// Action types recorded in memory metadata.
const (
	ActionDecision = "decision"
	ActionCode     = "code"
	ActionReview   = "review"
	ActionAnalysis = "analysis"
	ActionTest     = "test"
)

// Memory is the part of the memory store providers use.
type Memory interface {
	Remember(ctx context.Context, text string, metadata map[string]any) bool
	RecallFiltered(ctx context.Context, query string, k int, f memory.Filter) string
}

// Deps are the services shared by every provider. Only LLM is required.
type Deps struct {
	LLM       llm.Model
	Memory    Memory
	Graph     *graph.Graph
	Workspace *workspace.Workspace
	Catalog   *Catalog
	Logger    *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Catalog == nil {
		d.Catalog = DefaultCatalog()
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	return d
}

// New builds every provider listed in the catalog that has an implementation.
func New(deps Deps) ([]ports.Capability, error) {
	if deps.LLM == nil {
		return nil, fmt.Errorf("providers require a language model")
	}
	deps = deps.withDefaults()

	var caps []ports.Capability
	for _, e := range deps.Catalog.Providers {
		if e.External {
			continue
		}
		c, ok := build(e.Name, deps)
		if !ok {
			deps.Logger.Warn("Catalog entry has no implementation", "provider", e.Name)
			continue
		}
		caps = append(caps, c)
	}
	return caps, nil
}

func build(name string, deps Deps) (ports.Capability, bool) {
	b := base{name: name, deps: deps}
	switch name {
	case Orchestrator:
		return &orchestrator{base: b}, true
	case "architect":
		return &architect{base: b}, true
	case "coder":
		return &rewriter{base: b, action: "code", instruction: coderInstruction}, true
	case "refactorer":
		return &rewriter{base: b, action: "refactor", instruction: refactorInstruction}, true
	case "documentation":
		return &rewriter{base: b, action: "document", instruction: documentationInstruction}, true
	case "reviewer":
		return &reviewer{base: b}, true
	case "security":
		return &securityReviewer{base: b}, true
	case "tester":
		return &tester{base: b}, true
	}
	return nil, false
}

// base carries what every provider shares.
type base struct {
	name string
	deps Deps
}

func (b *base) Name() string { return b.name }

func (b *base) complete(ctx context.Context, system, prompt string) (string, error) {
	return b.deps.LLM.Complete(ctx, llm.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: b.deps.Catalog.Temperature(b.name),
	})
}

func (b *base) recall(ctx context.Context, query string) string {
	if b.deps.Memory == nil {
		return ""
	}
	return b.deps.Memory.RecallFiltered(ctx, query, 3, memory.Filter{Agent: b.name})
}

func (b *base) remember(ctx context.Context, text, actionType string, extra map[string]any) {
	if b.deps.Memory == nil {
		return
	}
	md := map[string]any{
		memory.KeyAgent:      b.name,
		memory.KeyActionType: actionType,
	}
	for k, v := range extra {
		md[k] = v
	}
	b.deps.Memory.Remember(ctx, text, md)
}

// handBack is the delta every worker returns: control goes back to the orchestrator.
func (b *base) handBack(action string) *domain.Delta {
	return &domain.Delta{
		NextAgent: domain.Ptr(Orchestrator),
		Action:    action,
		Output:    map[string]any{"grammar_version": GrammarVersion},
	}
}

func (b *base) system() string {
	desc := ""
	if e, ok := b.deps.Catalog.Lookup(b.name); ok {
		desc = e.Description
	}
	return fmt.Sprintf("You are the %s agent in a team of AI agents that work together to analyze and improve code. %s", b.name, desc)
}

// withSubmitted returns a view of state whose Files also hold every submitted
// path (the focused file and FilePaths) read from the workspace, plus the
// newly read files for the delta. state itself is not modified.
func (b *base) withSubmitted(state *domain.WorkflowState) (*domain.WorkflowState, map[string]domain.CodeFile) {
	if b.deps.Workspace == nil {
		return state, nil
	}

	var missing []string
	if state.FocusedFilePath != nil {
		if _, ok := state.Files[*state.FocusedFilePath]; !ok {
			missing = append(missing, *state.FocusedFilePath)
		}
	}
	for _, p := range state.FilePaths {
		if _, ok := state.Files[p]; !ok && !slices.Contains(missing, p) {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return state, nil
	}

	loaded, err := b.deps.Workspace.Load(missing)
	if err != nil {
		b.deps.Logger.Warn("Some files could not be loaded", "provider", b.name, "workflow_id", state.ID, "error", err)
	}
	if len(loaded) == 0 {
		return state, nil
	}

	view := *state
	view.Files = maps.Clone(state.Files)
	if view.Files == nil {
		view.Files = make(map[string]domain.CodeFile, len(loaded))
	}
	maps.Copy(view.Files, loaded)
	return &view, loaded
}

// target picks the file a worker should act on: the focused file, then the
// most recently proposed change, then the first loaded file.
func target(state *domain.WorkflowState) (domain.CodeFile, bool) {
	if state.FocusedFilePath != nil {
		if f, ok := state.Files[*state.FocusedFilePath]; ok {
			return f, true
		}
	}
	if n := len(state.ProposedChanges); n > 0 {
		if f, ok := state.Files[state.ProposedChanges[n-1].FilePath]; ok {
			return f, true
		}
	}
	return state.FocusedFile()
}

// humanFeedback returns operator messages, most recent last.
func humanFeedback(state *domain.WorkflowState) string {
	var sb strings.Builder
	for _, m := range state.Messages {
		if m.Role == domain.RoleHuman {
			fmt.Fprintf(&sb, "- %s\n", m.Content)
		}
	}
	return sb.String()
}

func fence(f domain.CodeFile) string {
	return fmt.Sprintf("```%s\n%s\n```", strings.ToLower(f.Language), f.Content)
}
