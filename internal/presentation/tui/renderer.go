package tui

import (
	"fmt"
	"strings"

	"github.com/aretw0/sochen/pkg/domain"
	"github.com/charmbracelet/glamour"
	"github.com/pmezard/go-difflib/difflib"
)

// NewRenderer returns a function that renders markdown using glamour.
// It falls back to the raw markdown when no renderer can be built.
func NewRenderer() func(string) (string, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(), // Automatically detect light/dark background
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return func(markdown string) (string, error) { return markdown, nil }
	}

	return func(markdown string) (string, error) {
		return r.Render(markdown)
	}
}

// WorkflowMarkdown summarizes a workflow as markdown: status, issues, proposed
// changes with their diffs, and the step trail.
func WorkflowMarkdown(s *domain.WorkflowState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Workflow %s\n\n", s.ID)
	fmt.Fprintf(&sb, "**Task:** %s\n\n**Status:** %s\n\n", s.Task, s.Status)
	if s.Error != nil {
		fmt.Fprintf(&sb, "**Error:** %s\n\n", *s.Error)
	}

	if len(s.CodeIssues) > 0 || len(s.SecurityIssues) > 0 {
		sb.WriteString("## Issues\n\n")
		for _, is := range s.CodeIssues {
			fmt.Fprintf(&sb, "- `%s:%d` **%s** %s\n", is.FilePath, is.LineNumber, is.IssueType, firstLine(is.Description))
		}
		for _, is := range s.SecurityIssues {
			fmt.Fprintf(&sb, "- `%s:%d` **%s** %s\n", is.FilePath, is.LineNumber, is.Severity, firstLine(is.Description))
		}
		sb.WriteString("\n")
	}

	writeChanges(&sb, "Proposed changes", s.ProposedChanges)
	writeChanges(&sb, "Accepted changes", s.AcceptedChanges)

	if len(s.TestResults) > 0 {
		sb.WriteString("## Tests\n\n")
		for _, r := range s.TestResults {
			state := "not run"
			if r.Passed != nil {
				state = map[bool]string{true: "passed", false: "failed"}[*r.Passed]
			}
			fmt.Fprintf(&sb, "- %s (%s)\n", r.TestName, state)
		}
		sb.WriteString("\n")
	}

	if len(s.History) > 0 {
		sb.WriteString("## Steps\n\n| # | Agent | Action |\n|---|---|---|\n")
		for i, step := range s.History {
			fmt.Fprintf(&sb, "| %d | %s | %s |\n", i+1, step.Agent, step.Action)
		}
	}
	return sb.String()
}

func writeChanges(sb *strings.Builder, title string, changes []domain.CodeChange) {
	if len(changes) == 0 {
		return
	}
	fmt.Fprintf(sb, "## %s\n\n", title)
	for _, c := range changes {
		fmt.Fprintf(sb, "### %s\n\n%s\n\n", c.FilePath, c.Description)
		if diff := UnifiedDiff(c); diff != "" {
			fmt.Fprintf(sb, "```diff\n%s\n```\n\n", strings.TrimRight(diff, "\n"))
		}
	}
}

// UnifiedDiff renders a change as a unified diff. Errors yield an empty string.
func UnifiedDiff(c domain.CodeChange) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(c.OriginalContent),
		B:        difflib.SplitLines(c.NewContent),
		FromFile: "a/" + c.FilePath,
		ToFile:   "b/" + c.FilePath,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
