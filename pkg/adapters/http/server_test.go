package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aretw0/sochen/internal/metrics"
	sochenhttp "github.com/aretw0/sochen/pkg/adapters/http"
	memstore "github.com/aretw0/sochen/pkg/adapters/memory"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/hub"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/memory"
	"github.com/aretw0/sochen/pkg/ports"
	"github.com/aretw0/sochen/pkg/router"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthEmbedder maps text onto a 2-d vector; close lengths are close vectors.
type lengthEmbedder struct{}

func (lengthEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

type env struct {
	handler http.Handler
	ledger  *ledger.Ledger
	router  *router.Router
	graph   *graph.Graph
	memory  *memory.Store
}

func setup(t *testing.T, caps ...ports.Capability) *env {
	t.Helper()
	l := ledger.New(memstore.NewStore())
	r := router.New(l, router.WithCapabilities(caps...))
	h := hub.New(r, l, hub.WithVersion("test"))
	r.AddHooks(h.Hooks())

	g := graph.New()
	require.NoError(t, g.AddNode("a.py", graph.TypeFile, nil))
	require.NoError(t, g.AddNode("pkg/b.py", graph.TypeFile, nil))
	_, err := g.AddEdge("a.py", "pkg/b.py", graph.EdgeImports, nil)
	require.NoError(t, err)

	mem, err := memory.Open("", "test", lengthEmbedder{}, memory.WithDimension(2))
	require.NoError(t, err)

	t.Cleanup(func() {
		r.Wait()
		h.Wait()
	})
	return &env{
		handler: sochenhttp.NewHandler(sochenhttp.Config{
			Hub:     h,
			Ledger:  l,
			Router:  r,
			Graph:   g,
			Memory:  mem,
			Metrics: metrics.NewWithRegistry(prometheus.NewRegistry()),
			Version: "test\n",
		}),
		ledger: l,
		router: r,
		graph:  g,
		memory: mem,
	}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthAndInfo(t *testing.T) {
	e := setup(t, ports.CapabilityFunc{ID: router.Bootstrap})

	w, body := get(t, e.handler, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w, body = get(t, e.handler, "/info")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sochen", body["app"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, []any{router.Bootstrap}, body["capabilities"])
	assert.Equal(t, map[string]any{"nodes": float64(2), "edges": float64(1)}, body["graph"])
}

func TestCORSPreflight(t *testing.T) {
	e := setup(t)
	req := httptest.NewRequest(http.MethodOptions, "/workflows", nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestWorkflowEndpoints(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	state, err := e.ledger.Create(ctx, "add docstring", ledger.Init{ID: "wf-1"})
	require.NoError(t, err)
	_, err = e.ledger.ApplyDelta(ctx, state.ID, &domain.Delta{
		Status:          domain.Ptr(domain.StatusWaitingForHuman),
		ProposedChanges: []domain.CodeChange{{FilePath: "a.py", NewContent: "x", Description: "docs"}},
	})
	require.NoError(t, err)

	w, body := get(t, e.handler, "/workflows")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"wf-1"}, body["workflows"])

	w, body = get(t, e.handler, "/workflows/wf-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "WAITING_FOR_HUMAN", body["status"])
	assert.Equal(t, false, body["running"])

	w, body = get(t, e.handler, "/workflows/wf-1/results")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "workflow_results", body["type"])
	data := body["data"].(map[string]any)
	changes := data["state"].(map[string]any)["proposed_changes"].([]any)
	assert.Equal(t, map[string]any{"file_path": "a.py", "description": "docs"}, changes[0])

	w, _ = get(t, e.handler, "/workflows/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/workflows/wf-1/cancel", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing is running")
}

func TestGraphEndpoints(t *testing.T) {
	e := setup(t)

	w, body := get(t, e.handler, "/graph/affected?ids=pkg/b.py")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"a.py", "pkg/b.py"}, body["affected"])
	assert.Equal(t, []any{"pkg/b.py", "a.py"}, body["review_order"])

	w, _ = get(t, e.handler, "/graph/affected")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = get(t, e.handler, "/graph/nodes/a.py/dependencies")
	assert.Equal(t, http.StatusOK, w.Code)
	deps := body["dependencies"].([]any)
	require.Len(t, deps, 1)
	assert.Equal(t, "pkg/b.py", deps[0].(map[string]any)["id"])

	w, body = get(t, e.handler, "/graph/nodes/pkg%2Fb.py/dependents")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pkg/b.py", body["id"])
	assert.Len(t, body["dependents"], 1)

	w, _ = get(t, e.handler, "/graph/nodes/nope.py/dependents")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearchMemory(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	require.True(t, e.memory.Remember(ctx, "short", map[string]any{"agent": "coder"}))
	require.True(t, e.memory.Remember(ctx, "a much longer memory text", map[string]any{"agent": "reviewer"}))

	w, body := get(t, e.handler, "/memory/search?q=shirt&k=1")
	assert.Equal(t, http.StatusOK, w.Code)
	matches := body["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "short", matches[0].(map[string]any)["text"])

	w, _ = get(t, e.handler, "/memory/search?q=x&k=zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = get(t, e.handler, "/memory/search")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sochen_workflows_active")
}

func TestWebSocket_RunWorkflow(t *testing.T) {
	var calls int
	orchestrator := ports.CapabilityFunc{
		ID: router.Bootstrap,
		Fn: func(context.Context, *domain.WorkflowState) (*domain.Delta, error) {
			calls++
			if calls == 1 {
				return &domain.Delta{NextAgent: domain.Ptr("coder"), Action: "decide"}, nil
			}
			return &domain.Delta{Status: domain.Ptr(domain.StatusCompleted), Action: "decide"}, nil
		},
	}
	coder := ports.CapabilityFunc{
		ID: "coder",
		Fn: func(context.Context, *domain.WorkflowState) (*domain.Delta, error) {
			return &domain.Delta{
				NextAgent:       domain.Ptr(router.Bootstrap),
				Action:          "code",
				ProposedChanges: []domain.CodeChange{{FilePath: "a.py", NewContent: "x", Description: "docs"}},
			}, nil
		},
	}
	e := setup(t, orchestrator, coder)
	srv := httptest.NewServer(e.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var welcome domain.Event
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, hub.WelcomeMessage, welcome.Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"run_workflow","task":"add docstring","workflow_id":"wf-ws"}`)))

	// The ack and the broadcast progress travel on separate paths; either may come first.
	var acked, finished bool
	for !acked || !finished {
		var ev domain.Event
		require.NoError(t, conn.ReadJSON(&ev))
		switch {
		case ev.Message == "Started workflow for task: add docstring":
			assert.Equal(t, "wf-ws", ev.Data["workflow_id"])
			acked = true
		case ev.Type == domain.EventWorkflowResults:
			state := ev.Data["state"].(map[string]any)
			assert.Equal(t, "COMPLETED", state["status"])
			assert.Len(t, state["proposed_changes"], 1)
			finished = true
		}
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	var bad domain.Event
	require.NoError(t, conn.ReadJSON(&bad))
	assert.True(t, bad.IsError())
	assert.Equal(t, "Error: Invalid JSON", bad.Message)
}
