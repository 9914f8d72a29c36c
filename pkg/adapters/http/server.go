package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/internal/metrics"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/hub"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/memory"
	"github.com/aretw0/sochen/pkg/router"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultSearchK is the number of memories /memory/search returns when k is not given.
const DefaultSearchK = 5

// Recaller is the part of the memory store the search endpoint uses.
type Recaller interface {
	Recall(ctx context.Context, query string, k int) ([]memory.Match, error)
	Len() int
}

// Config wires the engine services into the HTTP surface.
// Hub, Ledger and Router are required; Graph, Memory and Metrics are optional.
type Config struct {
	Hub     *hub.Hub
	Ledger  *ledger.Ledger
	Router  *router.Router
	Graph   *graph.Graph
	Memory  Recaller
	Metrics *metrics.Metrics
	Version string
	Logger  *slog.Logger
}

// Server serves the REST endpoints and the observer WebSocket.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates the HTTP handler for the engine.
func NewHandler(cfg Config) http.Handler {
	s := &Server{cfg: cfg, logger: cfg.Logger}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/ws", s.ServeWebSocket)

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.ListWorkflows)
		r.Get("/{id}", s.GetWorkflow)
		r.Get("/{id}/results", s.GetWorkflowResults)
		r.Post("/{id}/cancel", s.CancelWorkflow)
	})

	r.Route("/graph", func(r chi.Router) {
		r.Get("/affected", s.GetAffected)
		r.Get("/nodes/{id}/dependencies", s.GetDependencies)
		r.Get("/nodes/{id}/dependents", s.GetDependents)
	})

	r.Get("/memory/search", s.SearchMemory)

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"app":              "sochen",
		"version":          strings.TrimSpace(s.cfg.Version),
		"observers":        len(s.cfg.Hub.Observers()),
		"active_workflows": s.cfg.Router.Active(),
		"capabilities":     s.cfg.Router.Capabilities(),
	}
	if s.cfg.Graph != nil {
		nodes, edges := s.cfg.Graph.Len()
		resp["graph"] = map[string]int{"nodes": nodes, "edges": edges}
	}
	if s.cfg.Memory != nil {
		resp["memories"] = s.cfg.Memory.Len()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ListWorkflows handles GET /workflows.
func (s *Server) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cfg.Ledger.List(r.Context())
	if err != nil {
		s.logger.Error("List workflows failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workflows": ids})
}

// load answers 404 for unknown workflows.
func (s *Server) load(w http.ResponseWriter, r *http.Request) (*domain.WorkflowState, bool) {
	id := chi.URLParam(r, "id")
	state, err := s.cfg.Ledger.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			s.writeError(w, http.StatusNotFound, "workflow not found")
		} else {
			s.logger.Error("Load workflow failed", "workflow_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load workflow")
		}
		return nil, false
	}
	return state, true
}

// GetWorkflow handles GET /workflows/{id}.
func (s *Server) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	state, ok := s.load(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Hub.Status(state))
}

// GetWorkflowResults handles GET /workflows/{id}/results.
func (s *Server) GetWorkflowResults(w http.ResponseWriter, r *http.Request) {
	state, ok := s.load(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, hub.Results(state))
}

// CancelWorkflow handles POST /workflows/{id}/cancel.
func (s *Server) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	state, ok := s.load(w, r)
	if !ok {
		return
	}
	if !s.cfg.Router.Cancel(state.ID) {
		s.writeError(w, http.StatusConflict, "workflow is not running")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": state.ID, "status": "cancel_requested"})
}

// GetAffected handles GET /graph/affected?ids=a,b.
func (s *Server) GetAffected(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Graph == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dependency graph disabled")
		return
	}
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	affected := s.cfg.Graph.Affected(ids)
	resp := map[string]any{"affected": affected}
	if order, err := s.cfg.Graph.ReviewOrder(ids); err == nil {
		resp["review_order"] = order
	} else {
		s.logger.Warn("Review order unavailable", "error", err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// node resolves the {id} path parameter. Node IDs are file paths, so clients
// escape slashes (pkg%2Futil.py).
func (s *Server) node(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.cfg.Graph == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dependency graph disabled")
		return "", false
	}
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid node id")
		return "", false
	}
	if _, ok := s.cfg.Graph.Node(id); !ok {
		s.writeError(w, http.StatusNotFound, "node not found")
		return "", false
	}
	return id, true
}

// GetDependencies handles GET /graph/nodes/{id}/dependencies.
func (s *Server) GetDependencies(w http.ResponseWriter, r *http.Request) {
	id, ok := s.node(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "dependencies": s.cfg.Graph.Dependencies(id)})
}

// GetDependents handles GET /graph/nodes/{id}/dependents.
func (s *Server) GetDependents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.node(w, r)
	if !ok {
		return
	}
	dependents := s.cfg.Graph.Dependents(id)
	if dependents == nil {
		dependents = []graph.Relation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "dependents": dependents})
}

// SearchMemory handles GET /memory/search?q=&k=.
func (s *Server) SearchMemory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Memory == nil {
		s.writeError(w, http.StatusServiceUnavailable, "memory store disabled")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	k := DefaultSearchK
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
		k = n
	}

	matches, err := s.cfg.Memory.Recall(r.Context(), q, k)
	if err != nil {
		s.logger.Error("Memory search failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "memory search failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"query": q, "matches": matches})
}
