package providers

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/aretw0/sochen/internal/workspace"
	"github.com/aretw0/sochen/pkg/domain"
)

const (
	coderInstruction = `Write the code needed to accomplish the task in this file.
Keep existing behavior unless the task requires changing it.`

	refactorInstruction = `Improve the structure and readability of this file without changing its functionality.
Address the review issues listed above when they apply.`

	documentationInstruction = `Add or improve documentation in this file: docstrings or doc comments for every
public function and class, and comments where the logic is not obvious. Do not change behavior.`
)

// rewriter proposes a new version of one file.
type rewriter struct {
	base
	action      string
	instruction string
}

func (r *rewriter) Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
	state, loaded := r.withSubmitted(state)
	file, ok := target(state)
	if !ok {
		var err error
		if file, err = r.chooseFile(ctx, state); err != nil {
			return nil, err
		}
	}

	reply, err := r.complete(ctx, r.system(), r.prompt(ctx, state, file))
	if err != nil {
		return nil, fmt.Errorf("%s error: %w", r.name, err)
	}

	delta := r.handBack(r.action)
	delta.Files = loaded
	delta.Output["file_path"] = file.FilePath

	code, parsed := ExtractCode(reply)
	delta.Output["parsed"] = parsed
	if !parsed {
		r.deps.Logger.Warn("Reply had no code block", "provider", r.name, "workflow_id", state.ID)
		delta.Messages = []domain.Message{{Role: r.name, Content: reply}}
		return delta, nil
	}

	if code == file.Content {
		delta.Output["changed"] = false
		delta.Messages = []domain.Message{{Role: r.name, Content: fmt.Sprintf("No changes needed for %s.", file.FilePath)}}
		return delta, nil
	}

	description := firstLine(Prose(reply))
	if description == "" {
		description = fmt.Sprintf("%s %s", strings.ToUpper(r.action[:1])+r.action[1:], file.FilePath)
	}

	delta.Output["changed"] = true
	delta.Output["description"] = description
	delta.FocusedFilePath = domain.Ptr(file.FilePath)
	if delta.Files == nil {
		delta.Files = make(map[string]domain.CodeFile, 1)
	}
	delta.Files[file.FilePath] = domain.CodeFile{
		FilePath: file.FilePath,
		Content:  code,
		Language: file.Language,
	}
	delta.ProposedChanges = []domain.CodeChange{{
		FilePath:        file.FilePath,
		OriginalContent: file.Content,
		NewContent:      code,
		Description:     description,
	}}
	delta.Messages = []domain.Message{{
		Role:    r.name,
		Content: fmt.Sprintf("Proposed changes to %s: %s", file.FilePath, description),
	}}

	r.remember(ctx, fmt.Sprintf("Modified %s: %s", file.FilePath, description), ActionCode, map[string]any{"file": file.FilePath})
	return delta, nil
}

func (r *rewriter) prompt(ctx context.Context, state *domain.WorkflowState, file domain.CodeFile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current task: %s\n\nFile: %s (%s)\n\n", state.Task, file.FilePath, file.Language)

	if names := Undocumented(file.Content, file.Language); len(names) > 0 {
		fmt.Fprintf(&sb, "Functions without documentation: %s\n\n", strings.Join(names, ", "))
	}

	var issues []string
	for _, is := range state.CodeIssues {
		if is.FilePath == file.FilePath {
			issues = append(issues, fmt.Sprintf("- Line %d [%s]: %s", is.LineNumber, is.IssueType, is.Description))
		}
	}
	for _, is := range state.SecurityIssues {
		if is.FilePath == file.FilePath {
			issues = append(issues, fmt.Sprintf("- Line %d [%s]: %s", is.LineNumber, is.Severity, is.Description))
		}
	}
	if len(issues) > 0 {
		sb.WriteString("Known issues:\n" + strings.Join(issues, "\n") + "\n\n")
	}

	if fb := humanFeedback(state); fb != "" {
		sb.WriteString("Human feedback:\n" + fb + "\n")
	}
	if memories := r.recall(ctx, state.Task+" "+file.FilePath); memories != "" {
		sb.WriteString(memories)
	}

	sb.WriteString("Current content:\n")
	sb.WriteString(fence(file))
	sb.WriteString("\n\n")
	sb.WriteString(r.instruction)
	sb.WriteString("\n\nStart with a one-line summary of the change, then give the COMPLETE new file content in a single fenced code block.\n")
	return sb.String()
}

// chooseFile asks the model for a file to create when the workflow has none.
func (r *rewriter) chooseFile(ctx context.Context, state *domain.WorkflowState) (domain.CodeFile, error) {
	prompt := fmt.Sprintf(`Based on the following task and available files, determine which file you should focus on.
If no existing file is appropriate, suggest a new file name.

Task: %s

Available files:
%s
Respond with ONLY the filename.`, state.Task, bullet(slices.Sorted(maps.Keys(state.Files))))

	reply, err := r.complete(ctx, r.system(), prompt)
	if err != nil {
		return domain.CodeFile{}, fmt.Errorf("%s error: %w", r.name, err)
	}
	name := strings.Trim(firstLine(reply), "`\"' ")
	if name == "" {
		return domain.CodeFile{}, fmt.Errorf("%s error: no file to work on", r.name)
	}
	if f, ok := state.Files[name]; ok {
		return f, nil
	}
	return domain.CodeFile{FilePath: name, Language: workspace.DetectLanguage(name)}, nil
}

func bullet(items []string) string {
	var sb strings.Builder
	for _, it := range items {
		fmt.Fprintf(&sb, "- %s\n", it)
	}
	return sb.String()
}
