package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/memory"
	"github.com/aretw0/sochen/pkg/router"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
)

// GraphURI is the resource exposing every dependency graph node.
const GraphURI = "sochen://graph"

// WorkflowSummary is returned by the workflow tools.
type WorkflowSummary struct {
	WorkflowID      string          `json:"workflow_id" jsonschema_description:"Workflow identifier"`
	Status          domain.Status   `json:"status" jsonschema_description:"RUNNING, WAITING_FOR_HUMAN, ERROR or COMPLETED"`
	CurrentAgent    string          `json:"current_agent,omitempty" jsonschema_description:"Provider that produced the last step"`
	Error           string          `json:"error,omitempty" jsonschema_description:"Failure description when status is ERROR"`
	Iterations      int             `json:"iterations" jsonschema_description:"Number of recorded steps"`
	ProposedChanges []ChangeSummary `json:"proposed_changes" jsonschema_description:"Changes waiting for acceptance"`
	Running         bool            `json:"running" jsonschema_description:"True while the router loop is active"`
}

// ChangeSummary identifies a proposed change without its content.
type ChangeSummary struct {
	FilePath    string `json:"file_path"`
	Description string `json:"description"`
}

// ImpactResponse is returned by affected_artifacts.
type ImpactResponse struct {
	Affected    []string `json:"affected" jsonschema_description:"Requested artifacts and everything that transitively depends on them"`
	ReviewOrder []string `json:"review_order,omitempty" jsonschema_description:"Affected artifacts, dependencies first"`
}

// RecallResponse is returned by recall_memory.
type RecallResponse struct {
	Matches []memory.Match `json:"matches" jsonschema_description:"Nearest memories, closest first"`
}

// Recaller is the part of the memory store recall_memory uses.
type Recaller interface {
	Recall(ctx context.Context, query string, k int) ([]memory.Match, error)
}

// Config wires the engine services into the MCP server. Ledger and Router
// are required.
type Config struct {
	Ledger  *ledger.Ledger
	Router  *router.Router
	Graph   *graph.Graph
	Memory  Recaller
	Version string
	Logger  *slog.Logger
}

// Server exposes the engine as an MCP server.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP Server instance.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		mcpServer: server.NewMCPServer("sochen-mcp", strings.TrimSpace(cfg.Version)),
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the MCP server over Server-Sent Events on port until ctx
// is done.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(fmt.Sprintf("http://localhost:%d", port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))
	httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MCPServer exposes the underlying server, e.g. for other transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("run_workflow",
		mcp.WithDescription("Start a workflow for a code task. By default waits until it completes, fails or needs a human."),
		mcp.WithString("task", mcp.Required(), mcp.Description("What the agents should do")),
		mcp.WithString("file_paths", mcp.Description("Comma-separated files, relative to the workspace, to load")),
		mcp.WithString("focused_file_path", mcp.Description("File to work on first")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID to use instead of a generated one")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the workflow to halt (default true)")),
		mcp.WithOutputSchema[WorkflowSummary](),
	), mcp.NewStructuredToolHandler(s.handleRunWorkflow))

	s.mcpServer.AddTool(mcp.NewTool("workflow_status",
		mcp.WithDescription("Get the status and proposed changes of a workflow."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow ID")),
		mcp.WithOutputSchema[WorkflowSummary](),
	), mcp.NewStructuredToolHandler(s.handleWorkflowStatus))

	s.mcpServer.AddTool(mcp.NewTool("affected_artifacts",
		mcp.WithDescription("List the artifacts that transitively depend on the given ones, in review order."),
		mcp.WithString("ids", mcp.Required(), mcp.Description("Comma-separated artifact IDs (file paths or path::symbol)")),
		mcp.WithOutputSchema[ImpactResponse](),
	), mcp.NewStructuredToolHandler(s.handleAffected))

	s.mcpServer.AddTool(mcp.NewTool("recall_memory",
		mcp.WithDescription("Search the memory of past agent actions."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Text to search for")),
		mcp.WithNumber("k", mcp.Description("Number of matches (default 5)")),
		mcp.WithOutputSchema[RecallResponse](),
	), mcp.NewStructuredToolHandler(s.handleRecall))
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (WorkflowSummary, error) {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return WorkflowSummary{}, fmt.Errorf("task is required")
	}
	id, _ := args["workflow_id"].(string)
	focused, _ := args["focused_file_path"].(string)
	paths, _ := args["file_paths"].(string)
	wait := true
	if v, ok := args["wait"].(bool); ok {
		wait = v
	}

	state, err := s.cfg.Ledger.Create(ctx, task, ledger.Init{
		ID:              id,
		FilePaths:       splitList(paths),
		FocusedFilePath: focused,
	})
	if err != nil {
		return WorkflowSummary{}, fmt.Errorf("create workflow: %w", err)
	}
	s.logger.Info("MCP workflow started", "workflow_id", state.ID, "wait", wait)

	if !wait {
		// The loop must outlive the tool call.
		if _, err := s.cfg.Router.Submit(context.WithoutCancel(ctx), state.ID); err != nil {
			return WorkflowSummary{}, fmt.Errorf("start workflow: %w", err)
		}
		return s.summarize(state), nil
	}

	final, err := s.cfg.Router.Run(ctx, state.ID)
	if err != nil {
		return WorkflowSummary{}, fmt.Errorf("run workflow: %w", err)
	}
	return s.summarize(final), nil
}

func (s *Server) handleWorkflowStatus(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (WorkflowSummary, error) {
	id, _ := args["workflow_id"].(string)
	state, err := s.cfg.Ledger.Load(ctx, id)
	if err != nil {
		return WorkflowSummary{}, fmt.Errorf("load workflow %q: %w", id, err)
	}
	return s.summarize(state), nil
}

func (s *Server) handleAffected(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (ImpactResponse, error) {
	if s.cfg.Graph == nil {
		return ImpactResponse{}, fmt.Errorf("dependency graph disabled")
	}
	raw, _ := args["ids"].(string)
	ids := splitList(raw)
	if len(ids) == 0 {
		return ImpactResponse{}, fmt.Errorf("ids is required")
	}

	resp := ImpactResponse{Affected: s.cfg.Graph.Affected(ids)}
	if order, err := s.cfg.Graph.ReviewOrder(ids); err == nil {
		resp.ReviewOrder = order
	} else {
		s.logger.Warn("MCP review order unavailable", "error", err)
	}
	return resp, nil
}

func (s *Server) handleRecall(ctx context.Context, request mcp.CallToolRequest, args map[string]interface{}) (RecallResponse, error) {
	if s.cfg.Memory == nil {
		return RecallResponse{}, fmt.Errorf("memory store disabled")
	}
	query, _ := args["query"].(string)
	k := 5
	if v, ok := args["k"].(float64); ok && v >= 1 {
		k = int(v)
	}
	matches, err := s.cfg.Memory.Recall(ctx, query, k)
	if err != nil {
		return RecallResponse{}, fmt.Errorf("recall failed: %w", err)
	}
	return RecallResponse{Matches: matches}, nil
}

func (s *Server) summarize(state *domain.WorkflowState) WorkflowSummary {
	sum := WorkflowSummary{
		WorkflowID:      state.ID,
		Status:          state.Status,
		CurrentAgent:    state.CurrentAgent,
		Iterations:      len(state.History),
		ProposedChanges: make([]ChangeSummary, 0, len(state.ProposedChanges)),
		Running:         s.cfg.Router.IsActive(state.ID),
	}
	if state.Error != nil {
		sum.Error = *state.Error
	}
	for _, c := range state.ProposedChanges {
		sum.ProposedChanges = append(sum.ProposedChanges, ChangeSummary{FilePath: c.FilePath, Description: c.Description})
	}
	return sum
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(GraphURI, "Dependency Graph Nodes",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		nodes := []graph.Node{}
		if s.cfg.Graph != nil {
			nodes = s.cfg.Graph.Nodes()
		}
		jsonBytes, err := json.Marshal(nodes)
		if err != nil {
			return nil, fmt.Errorf("failed to encode graph: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      GraphURI,
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
