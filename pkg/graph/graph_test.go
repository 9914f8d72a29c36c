package graph_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAffected_ImportExample(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode("a", graph.TypeFile, nil))
	require.NoError(t, g.AddNode("b", graph.TypeFile, nil))
	ok, err := g.AddEdge("b", "a", graph.EdgeImports, nil)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, []string{"a", "b"}, g.Affected([]string{"a"}))
	assert.Equal(t, []string{"b"}, g.Affected([]string{"b"}))
}

func TestAffected_Properties(t *testing.T) {
	g := graph.New()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, g.AddNode(id, graph.TypeFile, nil))
	}
	// a <-> b cycle, c depends on b, d isolated
	mustEdge(t, g, "a", "b")
	mustEdge(t, g, "b", "a")
	mustEdge(t, g, "c", "b")

	got := g.Affected([]string{"a"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, got, g.Affected([]string{"a"}), "repeated call must be idempotent")

	// Unknown ids are still part of the result.
	got = g.Affected([]string{"zzz", "d"})
	assert.Subset(t, got, []string{"zzz", "d"})
	assert.Len(t, got, 2)

	assert.Empty(t, g.Affected(nil))
}

func TestAddEdge_MissingEndpoint(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	g := graph.New(graph.WithLogger(logging.NewFromCore(core)))
	require.NoError(t, g.AddNode("a", graph.TypeFile, nil))

	ok, err := g.AddEdge("a", "ghost", graph.EdgeImports, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, g.Dependencies("a"))
	assert.Equal(t, 1, logs.FilterMessage("Edge rejected: endpoint not in graph").Len())
}

func TestAddEdge_DuplicateOverwrites(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode("a", graph.TypeFile, nil))
	require.NoError(t, g.AddNode("b", graph.TypeFile, nil))

	_, err := g.AddEdge("a", "b", graph.EdgeImports, map[string]any{"line": 1})
	require.NoError(t, err)
	_, err = g.AddEdge("a", "b", "calls", map[string]any{"line": 9})
	require.NoError(t, err)

	deps := g.Dependencies("a")
	require.Len(t, deps, 1)
	assert.Equal(t, "calls", deps[0].Edge.Type)
	assert.Equal(t, 9, deps[0].Edge.Metadata["line"])

	dependents := g.Dependents("b")
	require.Len(t, dependents, 1)
	assert.Equal(t, "a", dependents[0].ID)

	_, edges := g.Len()
	assert.Equal(t, 1, edges)
}

func TestAddNode_Upsert(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode("f", graph.TypeFunction, map[string]any{"file": "x.py"}))
	require.NoError(t, g.AddNode("f", graph.TypeClass, nil))

	n, ok := g.Node("f")
	require.True(t, ok)
	assert.Equal(t, graph.TypeClass, n.Type)
	assert.Len(t, g.NodesByType(graph.TypeClass), 1)
	assert.Empty(t, g.NodesByType(graph.TypeFunction))
	assert.Error(t, g.AddNode("", graph.TypeFile, nil))
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	g, err := graph.Open(dir)
	require.NoError(t, err)

	require.NoError(t, g.AddNode("a", graph.TypeFile, map[string]any{"language": "Python"}))
	require.NoError(t, g.AddNode("b", graph.TypeFile, nil))
	mustEdge(t, g, "b", "a")

	raw, err := os.ReadFile(filepath.Join(dir, graph.FileName))
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc["nodes"], "a")
	assert.Contains(t, doc["edges"]["b"], "a")

	reopened, err := graph.Open(dir)
	require.NoError(t, err)
	n, ok := reopened.Node("a")
	require.True(t, ok)
	assert.Equal(t, "Python", n.Metadata["language"])
	assert.Equal(t, []string{"a", "b"}, reopened.Affected([]string{"a"}))
}

func TestOpen_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, graph.FileName), []byte("{not json"), 0644))
	_, err := graph.Open(dir)
	assert.Error(t, err)
}

func TestReviewOrder(t *testing.T) {
	g := graph.New()
	for _, id := range []string{"core", "util", "api", "cli", "lonely"} {
		require.NoError(t, g.AddNode(id, graph.TypeFile, nil))
	}
	mustEdge(t, g, "util", "core")
	mustEdge(t, g, "api", "util")
	mustEdge(t, g, "cli", "api")
	mustEdge(t, g, "cli", "core")

	order, err := g.ReviewOrder([]string{"core", "lonely"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"core", "util", "api", "cli", "lonely"}, order)

	pos := func(id string) int { return slices.Index(order, id) }
	assert.Less(t, pos("core"), pos("util"))
	assert.Less(t, pos("util"), pos("api"))
	assert.Less(t, pos("api"), pos("cli"))
	assert.Equal(t, "lonely", order[len(order)-1])
}

func TestReviewOrder_Cycle(t *testing.T) {
	g := graph.New()
	require.NoError(t, g.AddNode("a", graph.TypeFile, nil))
	require.NoError(t, g.AddNode("b", graph.TypeFile, nil))
	mustEdge(t, g, "a", "b")
	mustEdge(t, g, "b", "a")

	order, err := g.ReviewOrder([]string{"a"})
	assert.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func mustEdge(t *testing.T, g *graph.Graph, from, to string) {
	t.Helper()
	ok, err := g.AddEdge(from, to, graph.EdgeImports, nil)
	require.NoError(t, err)
	require.True(t, ok)
}
