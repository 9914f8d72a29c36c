package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Check is one allow-listed project command, e.g. a test suite or a linter.
type Check struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Description string            `yaml:"description" json:"description"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout"`
}

// ConfigFile is the layout of checks.yaml.
type ConfigFile struct {
	Checks []Check `yaml:"checks" json:"checks"`
}

// LoadChecks reads a YAML or JSON checks file. A missing file means no checks.
func LoadChecks(path string) ([]Check, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checks config: %w", err)
	}

	var cfg ConfigFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cfg.Checks))
	checks := make([]Check, 0, len(cfg.Checks))
	for i, c := range cfg.Checks {
		if c.Name == "" || c.Command == "" {
			return nil, fmt.Errorf("check %d needs a name and a command", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate check %q", c.Name)
		}
		seen[c.Name] = true
		checks = append(checks, c)
	}
	return checks, nil
}
