package providers_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/sochen/pkg/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := providers.DefaultCatalog()
	assert.Equal(t, providers.CatalogVersion, c.Version)

	e, ok := c.Lookup("reviewer")
	require.True(t, ok)
	require.NotNil(t, e.Temperature)
	assert.Equal(t, 0.1, *e.Temperature)

	desc := c.Describe(providers.Orchestrator)
	assert.Contains(t, desc, "- coder: ")
	assert.NotContains(t, desc, "- orchestrator:")
}

func TestCatalog_With(t *testing.T) {
	base := providers.DefaultCatalog()
	c := base.With(
		providers.Entry{Name: "checks", Description: "runs checks", External: true},
		providers.Entry{Name: "reviewer", Description: "strict reviewer"},
	)

	e, ok := c.Lookup("checks")
	require.True(t, ok)
	assert.True(t, e.External)
	e, _ = c.Lookup("reviewer")
	assert.Equal(t, "strict reviewer", e.Description)
	assert.Len(t, c.Providers, len(base.Providers)+1)

	_, ok = base.Lookup("checks")
	assert.False(t, ok, "original catalog is unchanged")
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
providers:
  - name: orchestrator
    description: routes
  - name: coder
    description: writes code
`), 0644))

	c, err := providers.LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.Providers, 2)
	assert.Nil(t, c.Temperature("coder"))

	def, err := providers.LoadCatalog("")
	require.NoError(t, err)
	assert.Len(t, def.Providers, 8)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":  "version: [",
		"version":   "version: 2\nproviders: []",
		"no name":   "version: 1\nproviders:\n  - description: x",
		"duplicate": "version: 1\nproviders:\n  - name: a\n  - name: a",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := providers.ParseCatalog([]byte(data))
			assert.Error(t, err)
		})
	}
}
