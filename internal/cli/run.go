// Package cli drives one workflow from the terminal, prompting at human
// checkpoints.
package cli

import (
	"fmt"
	"strings"
)

// RunOptions contains all the configuration for the run command.
type RunOptions struct {
	Task       string
	WorkflowID string
	FilePaths  []string
	Focus      string
	// Headless never prompts: a checkpoint ends the session.
	Headless bool
	// JSON writes the final results event as one JSON line instead of markdown.
	JSON bool
	// Apply writes accepted changes to the workspace when the workflow completes.
	Apply bool
}

// Validate rejects options no session can run with.
func (o RunOptions) Validate() error {
	if strings.TrimSpace(o.Task) == "" {
		return fmt.Errorf("a task is required")
	}
	return nil
}
