package memory_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aretw0/sochen/pkg/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 8

// hashEmbedder derives a deterministic vector from the text.
type hashEmbedder struct {
	mu    sync.Mutex
	dim   int
	err   error
	calls int
}

func (h *hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	vec := make([]float32, h.dim)
	for i := range vec {
		f := fnv.New32a()
		_, _ = f.Write([]byte(text))
		_, _ = f.Write([]byte{byte(i)})
		vec[i] = float32(f.Sum32()%1000) / 100
	}
	return vec, nil
}

func open(t *testing.T, dir string, e *hashEmbedder) *memory.Store {
	t.Helper()
	s, err := memory.Open(dir, "proj", e, memory.WithDimension(dim))
	require.NoError(t, err)
	return s
}

func TestRecall_NearestFirst(t *testing.T) {
	s := open(t, t.TempDir(), &hashEmbedder{dim: dim})
	ctx := context.Background()

	require.True(t, s.Remember(ctx, "added docstring to parse()", map[string]any{"agent": "coder"}))
	require.True(t, s.Remember(ctx, "found SQL injection in query builder", map[string]any{"agent": "security"}))

	matches, err := s.Recall(ctx, "added docstring to parse()", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "added docstring to parse()", matches[0].Text)
	assert.Zero(t, matches[0].Distance)

	all, err := s.Recall(ctx, "added docstring to parse()", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Less(t, all[0].Distance, all[1].Distance)
}

func TestRecall_Bounds(t *testing.T) {
	e := &hashEmbedder{dim: dim}
	s := open(t, "", e)
	ctx := context.Background()

	got, err := s.Recall(ctx, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, got, "empty store")
	assert.Zero(t, e.calls, "empty store must not call the embedder")

	for _, txt := range []string{"one", "two", "three"} {
		require.True(t, s.Remember(ctx, txt, nil))
	}

	got, err = s.Recall(ctx, "one", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Recall(ctx, "one", 10)
	require.NoError(t, err)
	assert.Len(t, got, 3, "k clamps to store size")
}

func TestRemember_BestEffort(t *testing.T) {
	e := &hashEmbedder{dim: dim, err: errors.New("embedding service down")}
	s := open(t, t.TempDir(), e)

	assert.False(t, s.Remember(context.Background(), "lost", nil))
	assert.Zero(t, s.Len())

	wrong := &hashEmbedder{dim: dim + 1}
	s2 := open(t, "", wrong)
	assert.False(t, s2.Remember(context.Background(), "wrong width", nil))
	assert.Zero(t, s2.Len())
}

func TestRemember_StampsTimestamp(t *testing.T) {
	s := open(t, "", &hashEmbedder{dim: dim})
	ctx := context.Background()

	require.True(t, s.Remember(ctx, "a", map[string]any{"agent": "coder"}))
	require.True(t, s.Remember(ctx, "b", map[string]any{"timestamp": "2024-01-02 03:04:05"}))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.NotEmpty(t, entries[0].Metadata[memory.KeyTimestamp])
	assert.Equal(t, "2024-01-02 03:04:05", entries[1].Metadata[memory.KeyTimestamp])
}

func TestRecallFiltered(t *testing.T) {
	s := open(t, "", &hashEmbedder{dim: dim})
	ctx := context.Background()

	require.True(t, s.Remember(ctx, "routed to coder", map[string]any{
		"agent": "orchestrator", "action_type": "decision", "timestamp": "2024-01-01 10:00:00",
	}))
	require.True(t, s.Remember(ctx, "wrote docstring", map[string]any{
		"agent": "coder", "action_type": "code", "timestamp": "2024-01-01 10:01:00",
	}))

	digest := s.RecallFiltered(ctx, "routed to coder", 1, memory.Filter{Agent: "orchestrator"})
	assert.Equal(t, "RELEVANT PAST EXPERIENCES:\n\n1. [2024-01-01 10:00:00] orchestrator: routed to coder\n\n", digest)

	digest = s.RecallFiltered(ctx, "anything", 5, memory.Filter{ActionType: "code"})
	assert.True(t, strings.HasPrefix(digest, "RELEVANT PAST EXPERIENCES:\n\n1. "))
	assert.Contains(t, digest, "coder: wrote docstring")
	assert.NotContains(t, digest, "orchestrator")

	assert.Equal(t, "", s.RecallFiltered(ctx, "anything", 5, memory.Filter{Agent: "tester"}))
	assert.Equal(t, "", s.RecallFiltered(ctx, "anything", 0, memory.Filter{}))
}

func TestPersistence_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := &hashEmbedder{dim: dim}
	s := open(t, dir, e)
	ctx := context.Background()
	require.True(t, s.Remember(ctx, "first", map[string]any{"agent": "coder"}))
	require.True(t, s.Remember(ctx, "second", nil))

	reopened := open(t, dir, e)
	assert.Equal(t, 2, reopened.Len())

	matches, err := reopened.Recall(ctx, "second", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "second", matches[0].Text)
	assert.Zero(t, matches[0].Distance)
}

func TestOpen_InconsistentFiles(t *testing.T) {
	e := &hashEmbedder{dim: dim}
	ctx := context.Background()

	t.Run("Missing Metadata", func(t *testing.T) {
		dir := t.TempDir()
		s := open(t, dir, e)
		require.True(t, s.Remember(ctx, "x", nil))
		require.NoError(t, os.Remove(filepath.Join(dir, "proj.meta.json")))

		assert.Zero(t, open(t, dir, e).Len())
	})

	t.Run("Metadata Ahead Of Index", func(t *testing.T) {
		dir := t.TempDir()
		s := open(t, dir, e)
		require.True(t, s.Remember(ctx, "x", nil))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "proj.meta.json"),
			[]byte(`{"dimension":8,"entries":[{"text":"x"},{"text":"y"}]}`), 0644))

		reopened := open(t, dir, e)
		require.Equal(t, 1, reopened.Len())
		assert.Equal(t, "x", reopened.Entries()[0].Text)
	})

	t.Run("Index Ahead Of Metadata", func(t *testing.T) {
		dir := t.TempDir()
		s := open(t, dir, e)
		require.True(t, s.Remember(ctx, "first", nil))
		meta, err := os.ReadFile(filepath.Join(dir, "proj.meta.json"))
		require.NoError(t, err)
		require.True(t, s.Remember(ctx, "second", nil))
		// The index holds two vectors while the metadata write never landed.
		require.NoError(t, os.WriteFile(filepath.Join(dir, "proj.meta.json"), meta, 0644))

		reopened := open(t, dir, e)
		require.Equal(t, 1, reopened.Len())
		matches, err := reopened.Recall(ctx, "first", 1)
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "first", matches[0].Text)
		assert.Zero(t, matches[0].Distance)

		require.True(t, reopened.Remember(ctx, "third", nil))
		assert.Equal(t, 2, open(t, dir, e).Len())
	})

	t.Run("Oversized Count", func(t *testing.T) {
		dir := t.TempDir()
		s := open(t, dir, e)
		require.True(t, s.Remember(ctx, "x", nil))

		// count*dim*4 wraps to zero in 64 bits.
		var header bytes.Buffer
		header.WriteString("SOCHVEC1")
		require.NoError(t, binary.Write(&header, binary.LittleEndian, uint32(1)))
		require.NoError(t, binary.Write(&header, binary.LittleEndian, uint32(dim)))
		require.NoError(t, binary.Write(&header, binary.LittleEndian, uint64(1)<<59))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "proj.index"), header.Bytes(), 0644))

		var reopened *memory.Store
		require.NotPanics(t, func() { reopened = open(t, dir, e) })
		assert.Zero(t, reopened.Len())
	})

	t.Run("Dimension Change", func(t *testing.T) {
		dir := t.TempDir()
		s := open(t, dir, e)
		require.True(t, s.Remember(ctx, "x", nil))

		wider, err := memory.Open(dir, "proj", &hashEmbedder{dim: 16}, memory.WithDimension(16))
		require.NoError(t, err)
		assert.Zero(t, wider.Len())
	})

	t.Run("Garbage Index", func(t *testing.T) {
		dir := t.TempDir()
		s := open(t, dir, e)
		require.True(t, s.Remember(ctx, "x", nil))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "proj.index"), []byte("nope"), 0644))

		assert.Zero(t, open(t, dir, e).Len())
	})
}

func TestConcurrentRememberAndRecall(t *testing.T) {
	s := open(t, t.TempDir(), &hashEmbedder{dim: dim})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.True(t, s.Remember(ctx, strings.Repeat("x", i+1), nil))
		}(i)
		go func() {
			defer wg.Done()
			matches, err := s.Recall(ctx, "x", 3)
			assert.NoError(t, err)
			assert.LessOrEqual(t, len(matches), 3)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, s.Len())
}

func TestOpen_Validation(t *testing.T) {
	_, err := memory.Open("", "p", nil)
	assert.Error(t, err)

	_, err = memory.Open("", "p", &hashEmbedder{dim: dim}, memory.WithDimension(0))
	assert.Error(t, err)
}
