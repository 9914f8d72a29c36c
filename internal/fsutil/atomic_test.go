package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/sochen/internal/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")

	require.NoError(t, fsutil.WriteFileAtomic(path, []byte(`{"v":1}`), 0644))
	require.NoError(t, fsutil.WriteFileAtomic(path, []byte(`{"v":2}`), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
