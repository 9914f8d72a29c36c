package mcp

import (
	"context"
	"testing"

	memstore "github.com/aretw0/sochen/pkg/adapters/memory"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/memory"
	"github.com/aretw0/sochen/pkg/ports"
	"github.com/aretw0/sochen/pkg/router"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type constEmbedder struct{}

func (constEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text))}, nil
}

func newTestServer(t *testing.T) (*Server, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(memstore.NewStore())
	r := router.New(l, router.WithCapabilities(ports.CapabilityFunc{
		ID: router.Bootstrap,
		Fn: func(_ context.Context, s *domain.WorkflowState) (*domain.Delta, error) {
			return &domain.Delta{Status: domain.Ptr(domain.StatusWaitingForHuman), Action: "decide"}, nil
		},
	}))
	t.Cleanup(r.Wait)

	g := graph.New()
	require.NoError(t, g.AddNode("a.py", graph.TypeFile, nil))
	require.NoError(t, g.AddNode("b.py", graph.TypeFile, nil))
	_, err := g.AddEdge("a.py", "b.py", graph.EdgeImports, nil)
	require.NoError(t, err)

	mem, err := memory.Open("", "test", constEmbedder{}, memory.WithDimension(1))
	require.NoError(t, err)
	require.True(t, mem.Remember(context.Background(), "reviewed b.py", nil))

	return NewServer(Config{Ledger: l, Router: r, Graph: g, Memory: mem, Version: "test"}), l
}

func TestRunWorkflowTool(t *testing.T) {
	s, l := newTestServer(t)
	ctx := context.Background()

	sum, err := s.handleRunWorkflow(ctx, mcp.CallToolRequest{}, map[string]interface{}{
		"task":        "add docstring",
		"workflow_id": "wf-1",
		"file_paths":  "a.py, b.py",
	})
	require.NoError(t, err)
	assert.Equal(t, "wf-1", sum.WorkflowID)
	assert.Equal(t, domain.StatusWaitingForHuman, sum.Status)
	assert.Equal(t, 1, sum.Iterations)
	assert.False(t, sum.Running)

	state, err := l.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, state.FilePaths)

	_, err = s.handleRunWorkflow(ctx, mcp.CallToolRequest{}, map[string]interface{}{"task": " "})
	assert.Error(t, err)
}

func TestRunWorkflowTool_NoWait(t *testing.T) {
	s, _ := newTestServer(t)
	sum, err := s.handleRunWorkflow(context.Background(), mcp.CallToolRequest{}, map[string]interface{}{
		"task": "add docstring",
		"wait": false,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, sum.Status)
	assert.NotEmpty(t, sum.WorkflowID)
}

func TestWorkflowStatusTool(t *testing.T) {
	s, l := newTestServer(t)
	ctx := context.Background()
	_, err := l.Create(ctx, "task", ledger.Init{ID: "wf-2"})
	require.NoError(t, err)

	sum, err := s.handleWorkflowStatus(ctx, mcp.CallToolRequest{}, map[string]interface{}{"workflow_id": "wf-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, sum.Status)
	assert.Empty(t, sum.ProposedChanges)

	_, err = s.handleWorkflowStatus(ctx, mcp.CallToolRequest{}, map[string]interface{}{"workflow_id": "missing"})
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestAffectedTool(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := s.handleAffected(context.Background(), mcp.CallToolRequest{}, map[string]interface{}{"ids": "b.py"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, resp.Affected)
	assert.Equal(t, []string{"b.py", "a.py"}, resp.ReviewOrder)

	_, err = s.handleAffected(context.Background(), mcp.CallToolRequest{}, map[string]interface{}{})
	assert.Error(t, err)
}

func TestRecallTool(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := s.handleRecall(context.Background(), mcp.CallToolRequest{}, map[string]interface{}{
		"query": "reviewed a.py",
		"k":     float64(3),
	})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "reviewed b.py", resp.Matches[0].Text)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a ,, b,"))
	assert.Nil(t, splitList(""))
}
