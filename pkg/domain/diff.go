package domain

// StateDiff summarizes what changed between two snapshots of a workflow.
// It is attached to progress events so observers can update incrementally.
type StateDiff struct {
	WorkflowID string `json:"workflow_id"`

	Status    *Status `json:"status,omitempty"`
	NextAgent *string `json:"next_agent,omitempty"`

	// Steps holds history entries appended since the old snapshot.
	Steps []StepSummary `json:"steps,omitempty"`

	// ProposedFiles lists paths of newly proposed changes.
	ProposedFiles []string `json:"proposed_files,omitempty"`

	NewCodeIssues     int `json:"new_code_issues,omitempty"`
	NewSecurityIssues int `json:"new_security_issues,omitempty"`
	NewTestResults    int `json:"new_test_results,omitempty"`
}

// StepSummary is the wire form of a Step without its snapshots.
type StepSummary struct {
	Agent     string `json:"agent"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
}

// Summarize drops the input and output snapshots of a step.
func Summarize(step Step) StepSummary {
	return StepSummary{
		Agent:     step.Agent,
		Action:    step.Action,
		Timestamp: step.Timestamp.Format("2006-01-02 15:04:05"),
	}
}

// Diff calculates the difference between oldState and newState.
// If oldState is nil, the whole of newState is reported.
// It returns nil when nothing observable changed.
func Diff(oldState, newState *WorkflowState) *StateDiff {
	if newState == nil {
		return nil
	}
	if oldState == nil {
		oldState = &WorkflowState{}
	}

	diff := &StateDiff{WorkflowID: newState.ID}

	if oldState.Status != newState.Status {
		s := newState.Status
		diff.Status = &s
	}
	if newState.NextAgent != nil && (oldState.NextAgent == nil || *oldState.NextAgent != *newState.NextAgent) {
		n := *newState.NextAgent
		diff.NextAgent = &n
	}

	// History is append-only, so a longer history is pure appends.
	if n := len(oldState.History); len(newState.History) > n {
		for _, step := range newState.History[n:] {
			diff.Steps = append(diff.Steps, Summarize(step))
		}
	}

	// Accepted changes shrink the proposed list, so compare totals.
	oldTotal := len(oldState.ProposedChanges) + len(oldState.AcceptedChanges)
	newTotal := len(newState.ProposedChanges) + len(newState.AcceptedChanges)
	if added := newTotal - oldTotal; added > 0 && added <= len(newState.ProposedChanges) {
		for _, c := range newState.ProposedChanges[len(newState.ProposedChanges)-added:] {
			diff.ProposedFiles = append(diff.ProposedFiles, c.FilePath)
		}
	}

	diff.NewCodeIssues = max(0, len(newState.CodeIssues)-len(oldState.CodeIssues))
	diff.NewSecurityIssues = max(0, len(newState.SecurityIssues)-len(oldState.SecurityIssues))
	diff.NewTestResults = max(0, len(newState.TestResults)-len(oldState.TestResults))

	if diff.IsEmpty() {
		return nil
	}
	return diff
}

// IsEmpty checks if the diff contains any actionable changes.
func (d *StateDiff) IsEmpty() bool {
	return d.Status == nil &&
		d.NextAgent == nil &&
		len(d.Steps) == 0 &&
		len(d.ProposedFiles) == 0 &&
		d.NewCodeIssues == 0 &&
		d.NewSecurityIssues == 0 &&
		d.NewTestResults == 0
}

// Map renders the diff as an event payload.
func (d *StateDiff) Map() map[string]any {
	if d == nil {
		return nil
	}
	m := map[string]any{"workflow_id": d.WorkflowID}
	if d.Status != nil {
		m["status"] = string(*d.Status)
	}
	if d.NextAgent != nil {
		m["next_agent"] = *d.NextAgent
	}
	if len(d.Steps) > 0 {
		m["steps"] = d.Steps
	}
	if len(d.ProposedFiles) > 0 {
		m["proposed_files"] = d.ProposedFiles
	}
	if d.NewCodeIssues > 0 {
		m["new_code_issues"] = d.NewCodeIssues
	}
	if d.NewSecurityIssues > 0 {
		m["new_security_issues"] = d.NewSecurityIssues
	}
	if d.NewTestResults > 0 {
		m["new_test_results"] = d.NewTestResults
	}
	return m
}
