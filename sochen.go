package sochen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/internal/metrics"
	"github.com/aretw0/sochen/internal/workspace"
	"github.com/aretw0/sochen/pkg/adapters/file"
	httpadapter "github.com/aretw0/sochen/pkg/adapters/http"
	mcpadapter "github.com/aretw0/sochen/pkg/adapters/mcp"
	memstore "github.com/aretw0/sochen/pkg/adapters/memory"
	"github.com/aretw0/sochen/pkg/adapters/process"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/hub"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/llm"
	"github.com/aretw0/sochen/pkg/memory"
	"github.com/aretw0/sochen/pkg/observability"
	"github.com/aretw0/sochen/pkg/persistence/middleware"
	"github.com/aretw0/sochen/pkg/ports"
	"github.com/aretw0/sochen/pkg/providers"
	"github.com/aretw0/sochen/pkg/router"
)

// Engine is the high-level entry point of the library. It owns one instance
// of every service and wires them together; nothing is global.
type Engine struct {
	graph     *graph.Graph
	memory    *memory.Store
	ledger    *ledger.Ledger
	router    *router.Router
	hub       *hub.Hub
	watcher   *observability.Watcher
	workspace *workspace.Workspace
	metrics   *metrics.Metrics
	logger    *slog.Logger
	closers   []io.Closer
}

type settings struct {
	dir           string
	store         ports.WorkflowStore
	storeMW       []middleware.Middleware
	locker        ports.DistributedLocker
	model         llm.Model
	embedder      ports.Embedder
	dimension     int
	project       string
	catalog       *providers.Catalog
	workspaceRoot string
	maxIterations int
	feedbackLimit int
	ratePerSecond float64
	burst         int
	logger        *slog.Logger
	metrics       *metrics.Metrics
	capabilities  []ports.Capability
	checks        []process.Check
	baseCtx       context.Context
}

// Option configures the Engine.
type Option func(*settings)

// WithDir persists workflows, the dependency graph and memories under dir.
// Without it everything lives in memory.
func WithDir(dir string) Option {
	return func(s *settings) {
		s.dir = dir
	}
}

// WithStore replaces the workflow store chosen by WithDir.
func WithStore(store ports.WorkflowStore) Option {
	return func(s *settings) {
		s.store = store
	}
}

// WithStoreMiddleware wraps the workflow store, first middleware outermost.
func WithStoreMiddleware(mws ...middleware.Middleware) Option {
	return func(s *settings) {
		s.storeMW = append(s.storeMW, mws...)
	}
}

// WithLocker enables distributed locking of workflow state.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(s *settings) {
		s.locker = locker
	}
}

// WithModel enables the built-in providers, all backed by model.
func WithModel(model llm.Model) Option {
	return func(s *settings) {
		s.model = model
	}
}

// WithEmbedder enables the memory store.
func WithEmbedder(e ports.Embedder, dimension int) Option {
	return func(s *settings) {
		s.embedder = e
		s.dimension = dimension
	}
}

// WithProject names the memory index (one per project).
func WithProject(project string) Option {
	return func(s *settings) {
		s.project = project
	}
}

// WithCatalog replaces the embedded provider catalog.
func WithCatalog(c *providers.Catalog) Option {
	return func(s *settings) {
		s.catalog = c
	}
}

// WithWorkspace sets the directory submitted file paths are relative to.
func WithWorkspace(root string) Option {
	return func(s *settings) {
		s.workspaceRoot = root
	}
}

// WithMaxIterations bounds every router loop.
func WithMaxIterations(n int) Option {
	return func(s *settings) {
		s.maxIterations = n
	}
}

// WithFeedbackLimit bounds human feedback in bytes.
func WithFeedbackLimit(n int) Option {
	return func(s *settings) {
		s.feedbackLimit = n
	}
}

// WithRateLimit bounds inbound hub commands per observer.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *settings) {
		s.ratePerSecond = perSecond
		s.burst = burst
	}
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithMetrics records engine metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithCapabilities registers extra providers. They replace built-in providers
// of the same name.
func WithCapabilities(caps ...ports.Capability) Option {
	return func(s *settings) {
		s.capabilities = append(s.capabilities, caps...)
	}
}

// WithChecks registers project commands, run in the workspace, as a provider
// the orchestrator can route to.
func WithChecks(checks ...process.Check) Option {
	return func(s *settings) {
		s.checks = append(s.checks, checks...)
	}
}

// WithBaseContext sets the context workflows started through the hub run under.
func WithBaseContext(ctx context.Context) Option {
	return func(s *settings) {
		s.baseCtx = ctx
	}
}

// New builds an Engine.
func New(opts ...Option) (*Engine, error) {
	s := settings{
		project:       "default",
		dimension:     memory.DefaultDimension,
		workspaceRoot: ".",
		baseCtx:       context.Background(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}

	e := &Engine{metrics: s.metrics, logger: s.logger}

	store := s.store
	if store == nil {
		if s.dir != "" {
			store = file.New(filepath.Join(s.dir, "workflows"))
		} else {
			store = memstore.NewStore()
		}
	}
	if c, ok := store.(io.Closer); ok {
		e.closers = append(e.closers, c)
	}
	store = middleware.Chain(store, s.storeMW...)

	var err error
	if s.dir != "" {
		e.graph, err = graph.Open(filepath.Join(s.dir, "graph"), graph.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to open dependency graph: %w", err)
		}
	} else {
		e.graph = graph.New(graph.WithLogger(s.logger))
	}

	if s.embedder != nil {
		memDir := ""
		if s.dir != "" {
			memDir = filepath.Join(s.dir, "memory")
		}
		memOpts := []memory.Option{memory.WithDimension(s.dimension), memory.WithLogger(s.logger)}
		if s.metrics != nil {
			memOpts = append(memOpts, memory.WithMetrics(s.metrics))
		}
		e.memory, err = memory.Open(memDir, s.project, s.embedder, memOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open memory store: %w", err)
		}
	}

	e.workspace = workspace.New(s.workspaceRoot, workspace.WithLogger(s.logger))

	ledgerOpts := []ledger.Option{ledger.WithLogger(s.logger)}
	if s.locker != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithLocker(s.locker))
	}
	e.ledger = ledger.New(store, ledgerOpts...)

	routerOpts := []router.Option{
		router.WithLogger(s.logger),
		router.WithGraph(e.graph),
		router.WithMaxIterations(s.maxIterations),
		router.WithFeedbackLimit(s.feedbackLimit),
	}
	if s.metrics != nil {
		routerOpts = append(routerOpts, router.WithMetrics(s.metrics))
	}
	e.router = router.New(e.ledger, routerOpts...)
	e.watcher = observability.NewWatcher()
	e.router.AddHooks(observability.LoggingHooks(s.logger))
	e.router.AddHooks(e.watcher.Hooks())

	if len(s.checks) > 0 {
		runner := process.NewRunner(s.checks, process.WithBaseDir(s.workspaceRoot), process.WithLogger(s.logger))
		catalog := s.catalog
		if catalog == nil {
			catalog = providers.DefaultCatalog()
		}
		s.catalog = catalog.With(runner.CatalogEntry())
		e.router.Register(runner)
	}
	if s.model != nil {
		deps := providers.Deps{
			LLM:       s.model,
			Graph:     e.graph,
			Workspace: e.workspace,
			Catalog:   s.catalog,
			Logger:    s.logger,
		}
		if e.memory != nil {
			deps.Memory = e.memory
		}
		caps, err := providers.New(deps)
		if err != nil {
			return nil, fmt.Errorf("failed to build providers: %w", err)
		}
		for _, c := range caps {
			e.router.Register(c)
		}
	}
	for _, c := range s.capabilities {
		e.router.Register(c)
	}

	hubOpts := []hub.Option{
		hub.WithLogger(s.logger),
		hub.WithVersion(Version),
		hub.WithBaseContext(s.baseCtx),
		hub.WithRateLimit(s.ratePerSecond, max(s.burst, 1)),
	}
	if s.metrics != nil {
		hubOpts = append(hubOpts, hub.WithMetrics(s.metrics))
	}
	e.hub = hub.New(e.router, e.ledger, hubOpts...)
	e.router.AddHooks(e.hub.Hooks())

	return e, nil
}

// Graph returns the dependency graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }
func (e *Engine) Router() *router.Router { return e.router }
func (e *Engine) Hub() *hub.Hub { return e.hub }

// Watcher returns the latest step snapshot of every workflow this engine ran.
func (e *Engine) Watcher() *observability.Watcher { return e.watcher }

func (e *Engine) Workspace() *workspace.Workspace { return e.workspace }
func (e *Engine) Logger() *slog.Logger { return e.logger }
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Memory returns the memory store, or nil when no embedder was configured.
func (e *Engine) Memory() *memory.Store { return e.memory }

// Handler returns the HTTP surface: REST endpoints, /ws and /metrics.
func (e *Engine) Handler() http.Handler {
	cfg := httpadapter.Config{
		Hub:     e.hub,
		Ledger:  e.ledger,
		Router:  e.router,
		Graph:   e.graph,
		Metrics: e.metrics,
		Version: Version,
		Logger:  e.logger,
	}
	if e.memory != nil {
		cfg.Memory = e.memory
	}
	return httpadapter.NewHandler(cfg)
}

// MCPServer returns an MCP server over the engine.
func (e *Engine) MCPServer() *mcpadapter.Server {
	cfg := mcpadapter.Config{
		Ledger:  e.ledger,
		Router:  e.router,
		Graph:   e.graph,
		Version: Version,
		Logger:  e.logger,
	}
	if e.memory != nil {
		cfg.Memory = e.memory
	}
	return mcpadapter.NewServer(cfg)
}

// Run creates a workflow and drives it until it halts.
func (e *Engine) Run(ctx context.Context, task string, init ledger.Init) (*domain.WorkflowState, error) {
	state, err := e.ledger.Create(ctx, task, init)
	if err != nil {
		return nil, err
	}
	return e.router.Run(ctx, state.ID)
}

// Apply writes the accepted changes of a workflow to the workspace and
// returns the paths written.
func (e *Engine) Apply(ctx context.Context, id string) ([]string, error) {
	state, err := e.ledger.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.workspace.Apply(state.AcceptedChanges); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(state.AcceptedChanges))
	for _, c := range state.AcceptedChanges {
		paths = append(paths, c.FilePath)
	}
	return paths, nil
}

// Close waits for running loops and pending hub publications, then releases
// the store. Graph and memory writes are already durable.
func (e *Engine) Close() error {
	e.router.Wait()
	e.hub.Wait()

	var errs []error
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
