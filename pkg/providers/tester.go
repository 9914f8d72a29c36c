package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/sochen/pkg/domain"
)

// tester generates a test for the focused file. Tests are recorded, not executed.
type tester struct {
	base
}

func (t *tester) Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
	state, loaded := t.withSubmitted(state)
	file, ok := target(state)
	if !ok {
		return nil, fmt.Errorf("tester error: no valid file to test")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current task: %s\n\nFile to test: %s (%s)\n\n", state.Task, file.FilePath, file.Language)
	if memories := t.recall(ctx, "test "+file.FilePath); memories != "" {
		sb.WriteString(memories)
	}
	sb.WriteString("File content:\n" + fence(file) + "\n\n")
	sb.WriteString(`Create a self-contained test for this code that covers key functionality, edge cases and error handling.
Use only the standard library of the language. Write ONLY the test code in a single fenced code block.
`)

	reply, err := t.complete(ctx, t.system(), sb.String())
	if err != nil {
		return nil, fmt.Errorf("tester error: %w", err)
	}

	code, parsed := ExtractCode(reply)
	if !parsed {
		code = strings.TrimSpace(reply)
	}

	delta := t.handBack("test")
	delta.Files = loaded
	delta.TestResults = []domain.TestResult{{
		TestName: "Test for " + file.FilePath,
		Message:  code,
	}}
	delta.Messages = []domain.Message{{Role: t.name, Content: fmt.Sprintf("Generated a test for %s.", file.FilePath)}}
	delta.Output["file_path"] = file.FilePath
	delta.Output["parsed"] = parsed

	t.remember(ctx, fmt.Sprintf("Generated a test for %s.", file.FilePath), ActionTest, map[string]any{"file": file.FilePath})
	return delta, nil
}
