package domain

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle position of a workflow.
type Status string

const (
	StatusRunning         Status = "RUNNING"           // Router keeps iterating
	StatusWaitingForHuman Status = "WAITING_FOR_HUMAN" // Suspended until feedback arrives
	StatusError           Status = "ERROR"             // Halted by a failure, inspectable only
	StatusCompleted       Status = "COMPLETED"         // Sink state
)

// Valid reports whether s is one of the four recognized statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusWaitingForHuman, StatusError, StatusCompleted:
		return true
	}
	return false
}

// Halted reports whether the router loop must stop on this status.
func (s Status) Halted() bool {
	return s != StatusRunning
}

// Terminal reports whether the workflow can never run again.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusCompleted
}

// CodeFile is a source file loaded into a workflow.
type CodeFile struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

// CodeChange is a rewrite of one file proposed by a provider.
type CodeChange struct {
	FilePath        string `json:"file_path"`
	OriginalContent string `json:"original_content"`
	NewContent      string `json:"new_content"`
	Description     string `json:"description"`
}

// CodeIssue is a review finding.
type CodeIssue struct {
	FilePath       string `json:"file_path"`
	LineNumber     int    `json:"line_number,omitempty"`
	IssueType      string `json:"issue_type"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
}

// SecurityIssue is a security finding.
type SecurityIssue struct {
	FilePath       string `json:"file_path"`
	LineNumber     int    `json:"line_number,omitempty"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
}

// TestResult records a generated or executed test.
// Passed is nil when the test has not been run.
type TestResult struct {
	TestName string `json:"test_name"`
	Passed   *bool  `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// Message is one entry of the workflow transcript.
// Role is a provider name or RoleHuman.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RoleHuman marks transcript entries supplied by an operator.
const RoleHuman = "human"

// Step is the audit record of a single router iteration.
// Steps are never mutated once appended to a workflow history.
type Step struct {
	Agent     string         `json:"agent"`
	Action    string         `json:"action"`
	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output"`
	Timestamp time.Time      `json:"timestamp"`
}

// WorkflowState is the canonical record of one task's progress.
type WorkflowState struct {
	ID     string `json:"id"`
	Task   string `json:"task"`
	Status Status `json:"status"`

	// CurrentAgent is the provider that produced the last merged delta.
	CurrentAgent string `json:"current_agent"`

	// NextAgent names the provider to run next. Nil when the workflow is halted
	// or when the bootstrap provider should decide.
	NextAgent *string `json:"next_agent"`

	FilePaths       []string `json:"file_paths,omitempty"`
	FocusedFilePath *string  `json:"focused_file_path,omitempty"`

	Files           map[string]CodeFile `json:"files"`
	CodeIssues      []CodeIssue         `json:"code_issues"`
	SecurityIssues  []SecurityIssue     `json:"security_issues"`
	TestResults     []TestResult        `json:"test_results"`
	ProposedChanges []CodeChange        `json:"proposed_changes"`
	AcceptedChanges []CodeChange        `json:"accepted_changes"`
	Messages        []Message           `json:"messages"`

	Error   *string `json:"error"`
	History []Step  `json:"workflow_history"`

	// Version increments on every durable write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflowState creates a RUNNING workflow with empty collections.
func NewWorkflowState(id, task string) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		ID:              id,
		Task:            task,
		Status:          StatusRunning,
		Files:           make(map[string]CodeFile),
		CodeIssues:      []CodeIssue{},
		SecurityIssues:  []SecurityIssue{},
		TestResults:     []TestResult{},
		ProposedChanges: []CodeChange{},
		AcceptedChanges: []CodeChange{},
		Messages:        []Message{},
		History:         []Step{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a copy that shares no mutable collections with s.
// Step input/output maps are copied one level deep.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	c := *s
	c.NextAgent = clonePtr(s.NextAgent)
	c.FocusedFilePath = clonePtr(s.FocusedFilePath)
	c.Error = clonePtr(s.Error)
	c.FilePaths = slices.Clone(s.FilePaths)
	c.Files = maps.Clone(s.Files)
	if c.Files == nil {
		c.Files = make(map[string]CodeFile)
	}
	c.CodeIssues = slices.Clone(s.CodeIssues)
	c.SecurityIssues = slices.Clone(s.SecurityIssues)
	c.TestResults = make([]TestResult, len(s.TestResults))
	for i, r := range s.TestResults {
		r.Passed = clonePtr(r.Passed)
		c.TestResults[i] = r
	}
	c.ProposedChanges = slices.Clone(s.ProposedChanges)
	c.AcceptedChanges = slices.Clone(s.AcceptedChanges)
	c.Messages = slices.Clone(s.Messages)
	c.History = make([]Step, len(s.History))
	for i, step := range s.History {
		step.Input = maps.Clone(step.Input)
		step.Output = maps.Clone(step.Output)
		c.History[i] = step
	}
	return &c
}

// FocusedFile returns the file the operator asked to work on, falling back to
// the first submitted path that has been loaded.
func (s *WorkflowState) FocusedFile() (CodeFile, bool) {
	if s.FocusedFilePath != nil {
		if f, ok := s.Files[*s.FocusedFilePath]; ok {
			return f, true
		}
	}
	for _, p := range s.FilePaths {
		if f, ok := s.Files[p]; ok {
			return f, true
		}
	}
	keys := slices.Sorted(maps.Keys(s.Files))
	if len(keys) > 0 {
		return s.Files[keys[0]], true
	}
	return CodeFile{}, false
}

// LastStep returns the most recent history entry.
func (s *WorkflowState) LastStep() (Step, bool) {
	if len(s.History) == 0 {
		return Step{}, false
	}
	return s.History[len(s.History)-1], true
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
