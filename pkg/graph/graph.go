// Package graph stores dependencies between code artifacts and computes the
// blast radius of a change set.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/aretw0/sochen/internal/fsutil"
	"github.com/aretw0/sochen/internal/logging"
	"github.com/gammazero/toposort"
)

// FileName is the graph document inside the storage directory.
const FileName = "graph.json"

// Node types written by the architect provider.
const (
	TypeFile     = "file"
	TypeFunction = "function"
	TypeClass    = "class"
)

// Edge types written by the architect provider.
const (
	EdgeImports   = "imports"
	EdgeDefinedIn = "defined_in"
)

// Node is a code artifact.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
}

// Edge is a directed dependency. The key pair (from, to) lives in the
// enclosing map; from depends on to.
type Edge struct {
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata"`
}

// Relation is a neighbouring node together with the connecting edge.
type Relation struct {
	ID   string `json:"id"`
	Edge Edge   `json:"edge"`
}

type document struct {
	Nodes map[string]Node            `json:"nodes"`
	Edges map[string]map[string]Edge `json:"edges"`
}

// Graph is a from-major adjacency store persisted as a single JSON document.
// It is safe for concurrent use; every mutation is written to disk before it
// becomes visible to readers.
type Graph struct {
	mu    sync.RWMutex
	path  string
	nodes map[string]Node
	edges map[string]map[string]Edge

	logger *slog.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger configures a logger for rejected edges and persistence warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Graph) {
		g.logger = logger
	}
}

// New returns an empty graph that is never persisted.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:  make(map[string]Node),
		edges:  make(map[string]map[string]Edge),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open loads dir/graph.json if it exists and persists future mutations there.
func Open(dir string, opts ...Option) (*Graph, error) {
	g := New(opts...)
	g.path = filepath.Join(dir, FileName)

	data, err := os.ReadFile(g.path)
	if errors.Is(err, os.ErrNotExist) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read graph: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode graph %s: %w", g.path, err)
	}
	if doc.Nodes != nil {
		g.nodes = doc.Nodes
	}
	if doc.Edges != nil {
		g.edges = doc.Edges
	}
	return g, nil
}

// AddNode inserts or replaces a node. Every node gets an (empty) edge bucket.
func (g *Graph) AddNode(id, typ string, metadata map[string]any) error {
	if id == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev, existed := g.nodes[id]
	_, hadBucket := g.edges[id]

	g.nodes[id] = Node{ID: id, Type: typ, Metadata: maps.Clone(metadata)}
	if !hadBucket {
		g.edges[id] = map[string]Edge{}
	}

	if err := g.persistLocked(); err != nil {
		if existed {
			g.nodes[id] = prev
		} else {
			delete(g.nodes, id)
		}
		if !hadBucket {
			delete(g.edges, id)
		}
		return err
	}
	return nil
}

// AddEdge records that from depends on to, replacing any previous edge for the pair.
// It returns false without error when either endpoint is unknown; the
// rejection is logged because graph updates race with node creation.
func (g *Graph) AddEdge(from, to, typ string, metadata map[string]any) (bool, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, fromOK := g.nodes[from]
	_, toOK := g.nodes[to]
	if !fromOK || !toOK {
		g.logger.Warn("Edge rejected: endpoint not in graph",
			"from", from, "to", to, "type", typ,
			"from_exists", fromOK, "to_exists", toOK,
		)
		return false, nil
	}

	bucket, hadBucket := g.edges[from]
	if !hadBucket {
		bucket = map[string]Edge{}
		g.edges[from] = bucket
	}
	prev, existed := bucket[to]
	bucket[to] = Edge{Type: typ, Metadata: maps.Clone(metadata)}

	if err := g.persistLocked(); err != nil {
		if existed {
			bucket[to] = prev
		} else {
			delete(bucket, to)
		}
		if !hadBucket {
			delete(g.edges, from)
		}
		return false, err
	}
	return true, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node ordered by id.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, id := range slices.Sorted(maps.Keys(g.nodes)) {
		out = append(out, g.nodes[id])
	}
	return out
}

// NodesByType returns the nodes of one type ordered by id.
func (g *Graph) NodesByType(typ string) []Node {
	var out []Node
	for _, n := range g.Nodes() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// Len reports node and edge counts.
func (g *Graph) Len() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, bucket := range g.edges {
		edges += len(bucket)
	}
	return len(g.nodes), edges
}

// Dependencies returns what id depends on (its outgoing edges).
func (g *Graph) Dependencies(id string) []Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	bucket := g.edges[id]
	out := make([]Relation, 0, len(bucket))
	for _, to := range slices.Sorted(maps.Keys(bucket)) {
		out = append(out, Relation{ID: to, Edge: bucket[to]})
	}
	return out
}

// Dependents returns what depends on id (its incoming edges).
// Edges are stored from-major, so this scans every edge.
func (g *Graph) Dependents(id string) []Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(id)
}

func (g *Graph) dependentsLocked(id string) []Relation {
	var out []Relation
	for _, from := range slices.Sorted(maps.Keys(g.edges)) {
		if e, ok := g.edges[from][id]; ok {
			out = append(out, Relation{ID: from, Edge: e})
		}
	}
	return out
}

// Affected returns ids plus every node that transitively depends on them,
// sorted. Each node is visited once, so cycles terminate.
func (g *Graph) Affected(ids []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.affectedLocked(ids)
}

func (g *Graph) affectedLocked(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependentsLocked(current) {
			if _, ok := seen[dep.ID]; ok {
				continue
			}
			seen[dep.ID] = struct{}{}
			queue = append(queue, dep.ID)
		}
	}

	return slices.Sorted(maps.Keys(seen))
}

// ReviewOrder returns the affected set of ids ordered so that every artifact
// comes after the artifacts it depends on. Nodes with no edge inside the set
// are appended in id order. A cycle inside the set is reported as an error
// together with the unordered affected set.
func (g *Graph) ReviewOrder(ids []string) ([]string, error) {
	g.mu.RLock()
	affected := g.affectedLocked(ids)
	inSet := make(map[string]struct{}, len(affected))
	for _, id := range affected {
		inSet[id] = struct{}{}
	}

	var edges []toposort.Edge
	linked := make(map[string]struct{})
	for _, from := range affected {
		for _, to := range slices.Sorted(maps.Keys(g.edges[from])) {
			if _, ok := inSet[to]; !ok || to == from {
				continue
			}
			// to must be reviewed before from
			edges = append(edges, toposort.Edge{to, from})
			linked[to] = struct{}{}
			linked[from] = struct{}{}
		}
	}
	g.mu.RUnlock()

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return affected, fmt.Errorf("dependency cycle among affected artifacts: %w", err)
	}

	order := make([]string, 0, len(affected))
	for _, v := range sorted {
		if id, ok := v.(string); ok {
			order = append(order, id)
		}
	}
	for _, id := range affected {
		if _, ok := linked[id]; !ok {
			order = append(order, id)
		}
	}
	return order, nil
}

func (g *Graph) persistLocked() error {
	if g.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(document{Nodes: g.nodes, Edges: g.edges}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	if err := fsutil.WriteFileAtomic(g.path, data, 0644); err != nil {
		return fmt.Errorf("failed to persist graph: %w", err)
	}
	return nil
}
