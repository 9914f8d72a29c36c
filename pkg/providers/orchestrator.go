package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/sochen/pkg/domain"
)

type orchestrator struct {
	base
}

func (o *orchestrator) Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
	prompt := o.prompt(ctx, state)
	reply, err := o.complete(ctx, o.system(), prompt)
	if err != nil {
		return nil, fmt.Errorf("orchestrator error: %w", err)
	}

	parsed := ParseDecision(reply)
	delta := &domain.Delta{
		Action: "orchestrate",
		Output: map[string]any{
			"grammar_version": GrammarVersion,
			"parsed":          parsed.OK,
		},
	}

	if !parsed.OK {
		o.deps.Logger.Warn("Orchestrator reply did not follow the grammar, asking for a human", "workflow_id", state.ID)
		delta.Status = domain.Ptr(domain.StatusWaitingForHuman)
		delta.Output["raw"] = reply
		delta.Messages = []domain.Message{{
			Role:    o.name,
			Content: "Could not decide the next step automatically; waiting for guidance.\n\n" + reply,
		}}
		return delta, nil
	}

	d := parsed.Items[0]
	delta.Output["reasoning"] = d.Reasoning
	delta.Output["decision"] = d.Next

	switch d.Next {
	case DecisionComplete:
		delta.Status = domain.Ptr(domain.StatusCompleted)
	case DecisionAskHuman:
		delta.Status = domain.Ptr(domain.StatusWaitingForHuman)
	default:
		delta.NextAgent = domain.Ptr(d.Next)
		delta.Output["next_agent"] = d.Next
	}
	delta.Messages = []domain.Message{{Role: o.name, Content: "Next step: " + d.Reasoning}}

	o.remember(ctx, fmt.Sprintf("Decided next agent should be %s because: %s", d.Next, d.Reasoning), ActionDecision, nil)
	return delta, nil
}

func (o *orchestrator) prompt(ctx context.Context, state *domain.WorkflowState) string {
	var sb strings.Builder
	sb.WriteString("Your job is to decide which agent should be activated next based on the current state of the workflow.\n\n")
	sb.WriteString("Available agents:\n")
	sb.WriteString(o.deps.Catalog.Describe(Orchestrator))
	fmt.Fprintf(&sb, "\nCurrent task: %s\n\n", state.Task)

	current := state.CurrentAgent
	if current == "" {
		current = Orchestrator
	}
	fmt.Fprintf(&sb, "Current agent: %s\n\n", current)

	sb.WriteString("Workflow state:\n")
	sb.WriteString(summarize(state))

	sb.WriteString("\nRecent workflow history:\n")
	history := state.History
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	for _, step := range history {
		fmt.Fprintf(&sb, "- Agent: %s, Action: %s\n", step.Agent, step.Action)
	}

	if fb := humanFeedback(state); fb != "" {
		sb.WriteString("\nHuman feedback:\n")
		sb.WriteString(fb)
	}

	if memories := o.recall(ctx, state.Task); memories != "" {
		sb.WriteString("\n")
		sb.WriteString(memories)
	}

	sb.WriteString(`
Based on the above information, determine the next agent that should be activated, or if the workflow should be completed or wait for human input.

Think step by step about what needs to be done next, and justify your choice.

Your response should be in the following format:
REASONING: Your detailed reasoning for choosing the next agent.
NEXT_AGENT: [agent_name or "COMPLETE" or "ASK_HUMAN"]
`)
	return sb.String()
}

// summarize renders the counters the orchestrator decides on.
func summarize(state *domain.WorkflowState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Files loaded: %d\n", len(state.Files))
	if n := len(state.CodeIssues); n > 0 {
		fmt.Fprintf(&sb, "Code Issues: %d\n", n)
	}
	if n := len(state.SecurityIssues); n > 0 {
		fmt.Fprintf(&sb, "Security Issues: %d\n", n)
	}
	if n := len(state.TestResults); n > 0 {
		passed, failed, pending := 0, 0, 0
		for _, r := range state.TestResults {
			switch {
			case r.Passed == nil:
				pending++
			case *r.Passed:
				passed++
			default:
				failed++
			}
		}
		fmt.Fprintf(&sb, "Test Results: %d passed, %d failed, %d not run\n", passed, failed, pending)
	}
	if n := len(state.ProposedChanges); n > 0 {
		fmt.Fprintf(&sb, "Proposed Changes: %d\n", n)
	}
	if n := len(state.AcceptedChanges); n > 0 {
		fmt.Fprintf(&sb, "Accepted Changes: %d\n", n)
	}
	return sb.String()
}
