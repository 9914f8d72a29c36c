// Package memory is an append-only similarity store of past provider actions.
//
// Each entry is a text, its metadata and an embedding vector. Vectors live in
// a flat index file and entries in a parallel JSON file; both are rewritten
// together on every append and are only trusted when their counts agree.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/sochen/internal/fsutil"
	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/internal/metrics"
	"github.com/aretw0/sochen/pkg/ports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDimension matches common 768-wide text embedding models.
const DefaultDimension = 768

// Metadata keys understood by the filters and the digest.
const (
	KeyAgent      = "agent"
	KeyActionType = "action_type"
	KeyTimestamp  = "timestamp"
)

// TimestampLayout is used when Remember stamps an entry.
const TimestampLayout = "2006-01-02 15:04:05"

const digestHeader = "RELEVANT PAST EXPERIENCES:\n\n"

// Entry is a remembered text with its metadata.
type Entry struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Match is an entry returned by Recall together with its distance to the query.
type Match struct {
	Entry
	Distance float64 `json:"distance"`
}

// Filter restricts RecallFiltered by metadata equality. Empty fields match anything.
type Filter struct {
	Agent      string
	ActionType string
}

func (f Filter) matches(md map[string]any) bool {
	if f.Agent != "" && md[KeyAgent] != f.Agent {
		return false
	}
	if f.ActionType != "" && md[KeyActionType] != f.ActionType {
		return false
	}
	return true
}

type metaFile struct {
	Dimension int     `json:"dimension"`
	Entries   []Entry `json:"entries"`
}

// Store is safe for concurrent use. Appends are persisted before they become
// visible to Recall.
type Store struct {
	mu      sync.RWMutex
	dim     int
	vectors []float32 // len(entries) rows of dim values
	entries []Entry

	indexPath string
	metaPath  string
	embedder  ports.Embedder

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithDimension fixes the vector width. Stored data of another width is discarded.
func WithDimension(dim int) Option {
	return func(s *Store) {
		s.dim = dim
	}
}

// WithLogger configures a logger for best-effort failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics records operation outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Open loads <dir>/<project>.index and <dir>/<project>.meta.json. If either is
// missing, unreadable or inconsistent with the other, the store starts empty.
// An empty dir keeps the store in memory only.
func Open(dir, project string, embedder ports.Embedder, opts ...Option) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("memory store requires an embedder")
	}
	if project == "" {
		project = "default"
	}

	s := &Store{
		dim:      DefaultDimension,
		embedder: embedder,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer("github.com/aretw0/sochen/pkg/memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dim < 1 {
		return nil, fmt.Errorf("memory dimension must be positive, got %d", s.dim)
	}

	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create memory directory: %w", err)
	}
	s.indexPath = filepath.Join(dir, project+".index")
	s.metaPath = filepath.Join(dir, project+".meta.json")

	s.load()
	return s, nil
}

func (s *Store) load() {
	_, indexErr := os.Stat(s.indexPath)
	_, metaErr := os.Stat(s.metaPath)
	if indexErr != nil || metaErr != nil {
		s.logger.Info("Created new memory store", "index", s.indexPath)
		return
	}

	dim, vectors, err := readIndex(s.indexPath)
	if err != nil {
		s.logger.Warn("Failed to load memory index, starting empty", "path", s.indexPath, "error", err)
		return
	}

	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		s.logger.Warn("Failed to read memory metadata, starting empty", "path", s.metaPath, "error", err)
		return
	}
	var meta metaFile
	if err := json.Unmarshal(data, &meta); err != nil {
		s.logger.Warn("Failed to decode memory metadata, starting empty", "path", s.metaPath, "error", err)
		return
	}

	if dim != s.dim || meta.Dimension != s.dim {
		s.logger.Warn("Memory dimension mismatch, starting empty",
			"configured", s.dim, "index", dim, "metadata", meta.Dimension)
		return
	}

	// The index is written first, so an interrupted persist leaves it one
	// vector ahead. Entries present in both files are still good.
	n := min(len(vectors)/dim, len(meta.Entries))
	if n != len(meta.Entries) || n*dim != len(vectors) {
		s.logger.Warn("Memory index and metadata out of step, keeping shared entries",
			"vectors", len(vectors)/dim, "entries", len(meta.Entries), "kept", n)
	}

	s.vectors = vectors[:n*dim]
	s.entries = meta.Entries[:n]
	s.logger.Info("Loaded memory store", "entries", len(s.entries))
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Dimension returns the fixed vector width.
func (s *Store) Dimension() int {
	return s.dim
}

// Remember embeds text and appends it with metadata. A missing timestamp is
// filled in. It never returns an error: failures are logged and reported as false.
func (s *Store) Remember(ctx context.Context, text string, metadata map[string]any) bool {
	ctx, span := s.tracer.Start(ctx, "memory.remember")
	defer span.End()

	fail := func(msg string, err error) bool {
		s.logger.Warn(msg, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		s.observe("remember", "error")
		return false
	}

	vec, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return fail("Failed to embed memory", err)
	}
	if len(vec) != s.dim {
		return fail("Embedding has wrong dimension", fmt.Errorf("got %d values, want %d", len(vec), s.dim))
	}

	md := maps.Clone(metadata)
	if md == nil {
		md = map[string]any{}
	}
	if _, ok := md[KeyTimestamp]; !ok {
		md[KeyTimestamp] = time.Now().Format(TimestampLayout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Full slice expressions force a copy so a failed write leaves the store untouched.
	vectors := append(s.vectors[:len(s.vectors):len(s.vectors)], vec...)
	entries := append(s.entries[:len(s.entries):len(s.entries)], Entry{Text: text, Metadata: md})

	if err := s.persist(vectors, entries); err != nil {
		return fail("Failed to persist memory", err)
	}

	s.vectors = vectors
	s.entries = entries
	span.SetAttributes(attribute.Int("memory.size", len(entries)))
	s.observe("remember", "ok")
	return true
}

// Recall returns up to k entries nearest to query by Euclidean distance,
// closest first. k is clamped to the store size; k <= 0 or an empty store
// yields an empty result without calling the embedder.
func (s *Store) Recall(ctx context.Context, query string, k int) ([]Match, error) {
	if k <= 0 || s.Len() == 0 {
		return []Match{}, nil
	}

	ctx, span := s.tracer.Start(ctx, "memory.recall")
	defer span.End()
	span.SetAttributes(attribute.Int("memory.k", k))

	q, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed query")
		s.observe("recall", "error")
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(q) != s.dim {
		s.observe("recall", "error")
		return nil, fmt.Errorf("query embedding has %d values, want %d", len(q), s.dim)
	}

	s.mu.RLock()
	n := len(s.entries)
	matches := make([]Match, n)
	for i := range n {
		row := s.vectors[i*s.dim : (i+1)*s.dim]
		matches[i] = Match{Entry: s.entries[i], Distance: l2(row, q)}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})

	matches = matches[:min(k, n)]
	for i := range matches {
		matches[i].Metadata = maps.Clone(matches[i].Metadata)
	}
	s.observe("recall", "ok")
	return matches, nil
}

// RecallFiltered over-fetches 2k neighbours, keeps those matching f, and
// renders at most k of them as a numbered digest for a provider prompt.
// It returns "" when nothing matches or recall fails.
func (s *Store) RecallFiltered(ctx context.Context, query string, k int, f Filter) string {
	matches, err := s.Recall(ctx, query, 2*k)
	if err != nil {
		s.logger.Warn("Memory recall failed", "error", err)
		return ""
	}

	kept := make([]Match, 0, k)
	for _, m := range matches {
		if len(kept) == k {
			break
		}
		if f.matches(m.Metadata) {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(digestHeader)
	for i, m := range kept {
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n\n", i+1,
			stringOr(m.Metadata[KeyTimestamp], "unknown time"),
			stringOr(m.Metadata[KeyAgent], "unknown agent"),
			m.Text)
	}
	return b.String()
}

// Entries returns a copy of all entries in insertion order.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.entries)
}

func (s *Store) persist(vectors []float32, entries []Entry) error {
	if s.indexPath == "" {
		return nil
	}
	meta, err := json.MarshalIndent(metaFile{Dimension: s.dim, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal memory metadata: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.indexPath, encodeIndex(s.dim, vectors), 0644); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.metaPath, meta, 0644)
}

func (s *Store) observe(op, result string) {
	if s.metrics != nil {
		s.metrics.MemoryOperations.WithLabelValues(op, result).Inc()
	}
}

func stringOr(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}
