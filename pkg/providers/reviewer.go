package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/sochen/pkg/domain"
)

type reviewer struct {
	base
}

func (r *reviewer) Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
	state, loaded := r.withSubmitted(state)
	file, ok := target(state)
	if !ok {
		return nil, fmt.Errorf("reviewer error: no valid file to review")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current task: %s\n\nFile to review: %s (%s)\n\n", state.Task, file.FilePath, file.Language)
	if c, ok := latestChange(state, file.FilePath); ok {
		fmt.Fprintf(&sb, "This file was recently modified with the following changes: %s\n\n", c.Description)
	}
	if memories := r.recall(ctx, "review "+file.FilePath); memories != "" {
		sb.WriteString(memories)
	}
	sb.WriteString("File content:\n" + fence(file) + "\n\n")
	sb.WriteString(`Please review the code for:
1. Code quality and adherence to best practices
2. Style consistency and readability
3. Potential bugs or logical errors
4. Performance concerns
5. Documentation completeness

Format your review as follows:
- For each issue, start with "Line X: " or "Lines X-Y: " to identify the location
- Provide clear explanations of the issue
- Suggest specific improvements
`)

	reply, err := r.complete(ctx, r.system(), sb.String())
	if err != nil {
		return nil, fmt.Errorf("reviewer error: %w", err)
	}

	parsed := ParseIssues(reply, file.FilePath)
	delta := r.handBack("review")
	delta.Files = loaded
	delta.CodeIssues = parsed.Items
	delta.Messages = []domain.Message{{Role: r.name, Content: reply}}
	delta.Output["file_path"] = file.FilePath
	delta.Output["issues_found"] = len(parsed.Items)
	delta.Output["parsed"] = parsed.OK

	r.remember(ctx, fmt.Sprintf("Reviewed %s. Found %d issues.", file.FilePath, len(parsed.Items)), ActionReview, map[string]any{"file": file.FilePath})
	return delta, nil
}

type securityReviewer struct {
	base
}

func (s *securityReviewer) Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
	state, loaded := s.withSubmitted(state)
	file, ok := target(state)
	if !ok {
		return nil, fmt.Errorf("security error: no valid file to analyze")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current task: %s\n\nFile to analyze: %s (%s)\n\n", state.Task, file.FilePath, file.Language)
	if memories := s.recall(ctx, "security "+file.FilePath); memories != "" {
		sb.WriteString(memories)
	}
	sb.WriteString("File content:\n" + fence(file) + "\n\n")
	sb.WriteString(`Analyze the code for security vulnerabilities: injection, unsafe deserialization,
hard-coded secrets, missing validation, insecure defaults.

Report each finding as its own paragraph:
[SEVERITY] Line X: description of the vulnerability
Recommendation: how to fix it

SEVERITY is one of CRITICAL, HIGH, MEDIUM, LOW. Report nothing else if there are no findings.
`)

	reply, err := s.complete(ctx, s.system(), sb.String())
	if err != nil {
		return nil, fmt.Errorf("security error: %w", err)
	}

	parsed := ParseSecurityIssues(reply, file.FilePath)
	delta := s.handBack("security_review")
	delta.Files = loaded
	delta.SecurityIssues = parsed.Items
	delta.Messages = []domain.Message{{Role: s.name, Content: reply}}
	delta.Output["file_path"] = file.FilePath
	delta.Output["issues_found"] = len(parsed.Items)
	delta.Output["parsed"] = parsed.OK

	s.remember(ctx, fmt.Sprintf("Security review of %s. Found %d issues.", file.FilePath, len(parsed.Items)), ActionReview, map[string]any{"file": file.FilePath})
	return delta, nil
}

func latestChange(state *domain.WorkflowState, path string) (domain.CodeChange, bool) {
	for i := len(state.ProposedChanges) - 1; i >= 0; i-- {
		if c := state.ProposedChanges[i]; c.FilePath == path {
			return c, true
		}
	}
	return domain.CodeChange{}, false
}
