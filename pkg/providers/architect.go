package providers

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
)

type architect struct {
	base
}

func (a *architect) Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
	state, loaded := a.withSubmitted(state)
	delta := a.handBack("analyze")
	delta.Files = loaded
	files := state.Files

	if len(files) == 0 {
		return nil, fmt.Errorf("architect error: no files to analyze")
	}

	paths := slices.Sorted(maps.Keys(files))
	nodes, functions, classes := a.index(files, paths)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current task: %s\n\nProject files:\n", state.Task)
	for _, p := range paths {
		f := files[p]
		fmt.Fprintf(&sb, "\n### %s (%s)\n", p, f.Language)
		if imps := ParseImports(f.Content, f.Language); len(imps) > 0 {
			fmt.Fprintf(&sb, "Imports: %s\n", strings.Join(imps, ", "))
		}
		for _, fn := range ExtractFunctions(f.Content, f.Language) {
			fmt.Fprintf(&sb, "Function: %s(%s)\n", fn.Name, fn.Params)
		}
		for _, c := range ExtractClasses(f.Content, f.Language) {
			fmt.Fprintf(&sb, "Class: %s\n", c.Name)
		}
	}
	if memories := a.recall(ctx, state.Task); memories != "" {
		sb.WriteString("\n" + memories)
	}
	sb.WriteString("\nDescribe the architecture relevant to the task, the components involved and the design decisions to respect. Be concise.\n")

	reply, err := a.complete(ctx, a.system(), sb.String())
	if err != nil {
		return nil, fmt.Errorf("architect error: %w", err)
	}

	delta.Messages = []domain.Message{{Role: a.name, Content: reply}}
	delta.Output["files_analyzed"] = len(paths)
	delta.Output["graph_nodes"] = nodes
	delta.Output["functions"] = functions
	delta.Output["classes"] = classes

	a.remember(ctx, fmt.Sprintf("Analyzed %d files for task %q: %s", len(paths), state.Task, firstLine(reply)), ActionAnalysis, nil)
	return delta, nil
}

// index records files, their symbols and their imports in the graph.
// Graph failures are logged; analysis goes on without them.
func (a *architect) index(files map[string]domain.CodeFile, paths []string) (nodes, functions, classes int) {
	g := a.deps.Graph
	for _, p := range paths {
		f := files[p]
		functions += len(ExtractFunctions(f.Content, f.Language))
		classes += len(ExtractClasses(f.Content, f.Language))
	}
	if g == nil {
		return 0, functions, classes
	}

	add := func(id, typ string, md map[string]any) bool {
		if err := g.AddNode(id, typ, md); err != nil {
			a.deps.Logger.Warn("Failed to record graph node", "node", id, "error", err)
			return false
		}
		nodes++
		return true
	}
	link := func(from, to, typ string) {
		if _, err := g.AddEdge(from, to, typ, nil); err != nil {
			a.deps.Logger.Warn("Failed to record graph edge", "from", from, "to", to, "error", err)
		}
	}

	for _, p := range paths {
		f := files[p]
		add(p, graph.TypeFile, map[string]any{"language": f.Language})
	}
	for _, p := range paths {
		f := files[p]
		for _, fn := range ExtractFunctions(f.Content, f.Language) {
			id := p + "::" + fn.Name
			if add(id, graph.TypeFunction, map[string]any{"name": fn.Name, "params": fn.Params, "documented": fn.Docstring != ""}) {
				link(id, p, graph.EdgeDefinedIn)
			}
		}
		for _, c := range ExtractClasses(f.Content, f.Language) {
			id := p + "::" + c.Name
			if add(id, graph.TypeClass, map[string]any{"name": c.Name, "bases": c.Params}) {
				link(id, p, graph.EdgeDefinedIn)
			}
		}
		for _, imp := range ParseImports(f.Content, f.Language) {
			if target, ok := resolveImport(p, imp, paths); ok && target != p {
				link(p, target, graph.EdgeImports)
			}
		}
	}
	return nodes, functions, classes
}

// resolveImport maps a module reference to one of the workflow's files.
func resolveImport(from, imp string, paths []string) (string, bool) {
	var candidates []string
	if strings.HasPrefix(imp, ".") || strings.Contains(imp, "/") {
		// JavaScript relative path.
		base := path.Clean(path.Join(path.Dir(from), imp))
		for _, ext := range []string{"", ".js", ".ts", ".jsx", ".tsx", "/index.js", "/index.ts"} {
			candidates = append(candidates, base+ext)
		}
	} else {
		// Python dotted module; "pkg.mod.name" may name a symbol inside pkg/mod.py.
		parts := strings.Split(imp, ".")
		for n := len(parts); n > 0; n-- {
			mod := strings.Join(parts[:n], "/")
			candidates = append(candidates, mod+".py", mod+"/__init__.py")
		}
	}
	for _, c := range candidates {
		for _, p := range paths {
			if p == c || strings.HasSuffix(p, "/"+c) {
				return p, true
			}
		}
	}
	return "", false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if line, _, ok := strings.Cut(s, "\n"); ok {
		return line
	}
	return s
}
