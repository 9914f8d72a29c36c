package providers

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// CatalogVersion is the catalog schema this package reads.
const CatalogVersion = 1

// Entry describes one provider to the orchestrator and configures its sampling.
// External entries are implemented outside this package and registered on the
// router separately.
type Entry struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Abilities   []string `yaml:"abilities"`
	Temperature *float64 `yaml:"temperature"`
	External    bool     `yaml:"external"`
}

// Catalog is the ordered list of available providers.
type Catalog struct {
	Version   int     `yaml:"version"`
	Providers []Entry `yaml:"providers"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file, or returns the default when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if c.Version != CatalogVersion {
		return nil, fmt.Errorf("unsupported catalog version %d", c.Version)
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, e := range c.Providers {
		if e.Name == "" {
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("duplicate catalog entry %q", e.Name)
		}
		seen[e.Name] = true
	}
	return &c, nil
}

// With returns a copy of the catalog with entries added, replacing those of
// the same name.
func (c *Catalog) With(entries ...Entry) *Catalog {
	out := &Catalog{Version: c.Version, Providers: slices.Clone(c.Providers)}
	for _, e := range entries {
		i := slices.IndexFunc(out.Providers, func(x Entry) bool { return x.Name == e.Name })
		if i >= 0 {
			out.Providers[i] = e
		} else {
			out.Providers = append(out.Providers, e)
		}
	}
	return out
}

// Lookup finds an entry by name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	for _, e := range c.Providers {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Temperature returns the configured temperature for name, or nil.
func (c *Catalog) Temperature(name string) *float64 {
	if e, ok := c.Lookup(name); ok {
		return e.Temperature
	}
	return nil
}

// Describe renders the catalog as a bullet list, skipping the named providers.
func (c *Catalog) Describe(skip ...string) string {
	var sb strings.Builder
	for _, e := range c.Providers {
		if slices.Contains(skip, e.Name) {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", e.Name, e.Description)
	}
	return sb.String()
}
