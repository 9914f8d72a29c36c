package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Delta is a partial update to a WorkflowState returned by a provider.
//
// Scalar pointers are last-write-wins (nil means unchanged). Slices are
// appended in order. Files are upserted by path. AcceptChanges moves entries
// from ProposedChanges to AcceptedChanges by their index before this delta's
// own proposals are appended.
type Delta struct {
	Status          *Status
	CurrentAgent    *string
	NextAgent       *string
	Error           *string
	FocusedFilePath *string

	Files           map[string]CodeFile
	Messages        []Message
	Steps           []Step
	CodeIssues      []CodeIssue
	SecurityIssues  []SecurityIssue
	TestResults     []TestResult
	ProposedChanges []CodeChange
	AcceptChanges   []int

	// Action and Output annotate the Step the router records for this delta.
	// They are not merged into the state.
	Action string
	Output map[string]any
}

// Advances reports whether the delta hands control to another provider.
func (d *Delta) Advances() bool {
	return d.NextAgent != nil && *d.NextAgent != ""
}

// Validate checks the delta against the state transition contract.
func (d *Delta) Validate() error {
	if d.Status != nil && !d.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, *d.Status)
	}
	if d.Advances() && d.Status != nil && d.Status.Halted() {
		return fmt.Errorf("%w: delta sets next_agent %q and status %s", ErrInvalidState, *d.NextAgent, *d.Status)
	}
	return nil
}

// Apply merges d into s. On error s is left untouched.
func (s *WorkflowState) Apply(d *Delta) error {
	if d == nil {
		return nil
	}
	if err := d.Validate(); err != nil {
		return err
	}
	for _, idx := range d.AcceptChanges {
		if idx < 0 || idx >= len(s.ProposedChanges) {
			return fmt.Errorf("%w: accept index %d out of range (%d proposed)", ErrInvalidState, idx, len(s.ProposedChanges))
		}
	}

	if d.Status != nil {
		s.Status = *d.Status
		if s.Status.Halted() {
			s.NextAgent = nil
		}
	}
	if d.CurrentAgent != nil {
		s.CurrentAgent = *d.CurrentAgent
	}
	if d.Advances() {
		s.NextAgent = clonePtr(d.NextAgent)
	}
	if d.Error != nil {
		s.Error = clonePtr(d.Error)
	}
	if d.FocusedFilePath != nil {
		s.FocusedFilePath = clonePtr(d.FocusedFilePath)
	}

	if len(d.Files) > 0 && s.Files == nil {
		s.Files = make(map[string]CodeFile, len(d.Files))
	}
	maps.Copy(s.Files, d.Files)

	if len(d.AcceptChanges) > 0 {
		s.acceptChanges(d.AcceptChanges)
	}

	s.Messages = append(s.Messages, d.Messages...)
	s.History = append(s.History, d.Steps...)
	s.CodeIssues = append(s.CodeIssues, d.CodeIssues...)
	s.SecurityIssues = append(s.SecurityIssues, d.SecurityIssues...)
	s.TestResults = append(s.TestResults, d.TestResults...)
	s.ProposedChanges = append(s.ProposedChanges, d.ProposedChanges...)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *WorkflowState) acceptChanges(indices []int) {
	idx := slices.Clone(indices)
	slices.Sort(idx)
	idx = slices.Compact(idx)

	kept := make([]CodeChange, 0, len(s.ProposedChanges)-len(idx))
	for i, c := range s.ProposedChanges {
		if _, found := slices.BinarySearch(idx, i); found {
			s.AcceptedChanges = append(s.AcceptedChanges, c)
			continue
		}
		kept = append(kept, c)
	}
	s.ProposedChanges = kept
}

// AcceptAll returns the indices of every proposed change.
func (s *WorkflowState) AcceptAll() []int {
	idx := make([]int, len(s.ProposedChanges))
	for i := range idx {
		idx[i] = i
	}
	return idx
}
