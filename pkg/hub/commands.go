package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/ledger"
	"github.com/aretw0/sochen/pkg/router"
	"github.com/mitchellh/mapstructure"
)

// Inbound command types.
const (
	CmdRunWorkflow        = "run_workflow"
	CmdGetWorkflowStatus  = "get_workflow_status"
	CmdGetWorkflowResults = "get_workflow_results"
	CmdHumanFeedback      = "human_feedback"
	CmdCancelWorkflow     = "cancel_workflow"
)

// Feedback actions for human_feedback.
const (
	FeedbackContinue = "continue"
	FeedbackAccept   = "accept"
	FeedbackReject   = "reject"
	FeedbackStop     = "stop"
)

type envelope struct {
	Type string `mapstructure:"type"`
}

// RunWorkflow starts a new workflow.
type RunWorkflow struct {
	Task            string   `mapstructure:"task"`
	WorkflowID      string   `mapstructure:"workflow_id"`
	FocusedFilePath string   `mapstructure:"focused_file_path"`
	FilePaths       []string `mapstructure:"file_paths"`
}

// WorkflowRef addresses an existing workflow.
type WorkflowRef struct {
	WorkflowID string `mapstructure:"workflow_id"`
}

// HumanFeedback answers a workflow that is waiting for a human.
type HumanFeedback struct {
	WorkflowID string `mapstructure:"workflow_id"`
	Feedback   string `mapstructure:"feedback"`
	Action     string `mapstructure:"action"`
}

func decode(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// Handle decodes one inbound message from o and executes it. Every error is
// answered to o alone; nothing is returned to the transport.
func (h *Hub) Handle(ctx context.Context, o Observer, raw []byte) {
	if !h.allow(o) {
		h.fail(ctx, o, "Error: Rate limit exceeded")
		return
	}

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("Invalid JSON from observer", "observer", o.ID(), "error", err)
		h.fail(ctx, o, "Error: Invalid JSON")
		return
	}

	var env envelope
	if err := decode(msg, &env); err != nil {
		h.fail(ctx, o, "Error: Invalid message: %v", err)
		return
	}
	h.logger.Debug("Received command", "type", env.Type, "observer", o.ID())

	var err error
	switch env.Type {
	case CmdRunWorkflow:
		var cmd RunWorkflow
		if err = decode(msg, &cmd); err == nil {
			h.runWorkflow(ctx, o, cmd)
		}
	case CmdGetWorkflowStatus:
		var cmd WorkflowRef
		if err = decode(msg, &cmd); err == nil {
			h.workflowStatus(ctx, o, cmd)
		}
	case CmdGetWorkflowResults:
		var cmd WorkflowRef
		if err = decode(msg, &cmd); err == nil {
			h.workflowResults(ctx, o, cmd)
		}
	case CmdHumanFeedback:
		var cmd HumanFeedback
		if err = decode(msg, &cmd); err == nil {
			h.humanFeedback(ctx, o, cmd)
		}
	case CmdCancelWorkflow:
		var cmd WorkflowRef
		if err = decode(msg, &cmd); err == nil {
			h.cancelWorkflow(ctx, o, cmd)
		}
	default:
		h.fail(ctx, o, "Unknown message type: %s", env.Type)
	}
	if err != nil {
		h.fail(ctx, o, "Error: Invalid %s message: %v", env.Type, err)
	}
}

func (h *Hub) runWorkflow(ctx context.Context, o Observer, cmd RunWorkflow) {
	if cmd.Task == "" {
		h.fail(ctx, o, "Error: No task provided")
		return
	}

	state, err := h.ledger.Create(ctx, cmd.Task, ledger.Init{
		ID:              cmd.WorkflowID,
		FilePaths:       cmd.FilePaths,
		FocusedFilePath: cmd.FocusedFilePath,
	})
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowExists) {
			h.fail(ctx, o, "Error: Workflow %s already exists", cmd.WorkflowID)
			return
		}
		h.logger.Error("Failed to create workflow", "error", err)
		h.fail(ctx, o, "Server error: %v", err)
		return
	}

	// The ack goes out before the loop can produce any event.
	h.reply(ctx, o, domain.NewEvent(domain.EventStatus, fmt.Sprintf("Started workflow for task: %s", cmd.Task), map[string]any{
		"workflow_id": state.ID,
	}))

	outcome, err := h.router.Submit(h.base, state.ID)
	if err != nil {
		h.logger.Error("Failed to start workflow", "workflow_id", state.ID, "error", err)
		h.reply(ctx, o, domain.NewEvent(domain.EventStatus, fmt.Sprintf("Error in workflow: %v", err), map[string]any{
			"workflow_id": state.ID,
			"error":       true,
		}))
		return
	}
	h.logger.Info("Workflow started", "workflow_id", state.ID, "task", cmd.Task)
	h.await(state.ID, outcome)
}

// load resolves a workflow reference, answering o when it cannot.
func (h *Hub) load(ctx context.Context, o Observer, id string) (*domain.WorkflowState, bool) {
	if id == "" {
		h.fail(ctx, o, "Error: Invalid workflow ID")
		return nil, false
	}
	state, err := h.ledger.Load(ctx, id)
	if err != nil {
		if invalidID(err) {
			h.fail(ctx, o, "Error: Invalid workflow ID")
		} else {
			h.logger.Error("Failed to load workflow", "workflow_id", id, "error", err)
			h.fail(ctx, o, "Server error: %v", err)
		}
		return nil, false
	}
	return state, true
}

func (h *Hub) workflowStatus(ctx context.Context, o Observer, cmd WorkflowRef) {
	state, ok := h.load(ctx, o, cmd.WorkflowID)
	if !ok {
		return
	}
	h.reply(ctx, o, domain.NewEvent(domain.EventStatus, fmt.Sprintf("Workflow status: %s", state.Status), h.Status(state)))
}

func (h *Hub) workflowResults(ctx context.Context, o Observer, cmd WorkflowRef) {
	state, ok := h.load(ctx, o, cmd.WorkflowID)
	if !ok {
		return
	}
	h.reply(ctx, o, Results(state))
}

func (h *Hub) humanFeedback(ctx context.Context, o Observer, cmd HumanFeedback) {
	state, ok := h.load(ctx, o, cmd.WorkflowID)
	if !ok {
		return
	}
	if state.Status != domain.StatusWaitingForHuman {
		h.fail(ctx, o, "Error: Workflow is not waiting for human input")
		return
	}

	action := cmd.Action
	if action == "" {
		action = FeedbackContinue
	}

	var err error
	switch action {
	case FeedbackContinue:
		var outcome <-chan router.Outcome
		if outcome, err = h.router.Resume(h.base, state.ID, cmd.Feedback); err == nil {
			h.await(state.ID, outcome)
		}
	case FeedbackAccept, FeedbackReject, FeedbackStop:
		var final *domain.WorkflowState
		if final, err = h.router.Conclude(ctx, state.ID, cmd.Feedback, action == FeedbackAccept); err == nil {
			defer h.completed(ctx, final)
		}
	default:
		h.fail(ctx, o, "Error: Unknown feedback action: %s", action)
		return
	}

	switch {
	case errors.Is(err, router.ErrNotWaiting):
		h.fail(ctx, o, "Error: Workflow is not waiting for human input")
		return
	case errors.Is(err, router.ErrAlreadyRunning):
		h.fail(ctx, o, "Error: Workflow is already running")
		return
	case err != nil:
		h.logger.Error("Failed to process feedback", "workflow_id", state.ID, "error", err)
		h.fail(ctx, o, "Server error: %v", err)
		return
	}

	h.reply(ctx, o, domain.NewEvent(domain.EventStatus, fmt.Sprintf("Human feedback processed: %s", action), map[string]any{
		"workflow_id": state.ID,
	}))
}

func (h *Hub) cancelWorkflow(ctx context.Context, o Observer, cmd WorkflowRef) {
	state, ok := h.load(ctx, o, cmd.WorkflowID)
	if !ok {
		return
	}
	if !h.router.Cancel(state.ID) {
		h.fail(ctx, o, "Error: Workflow is not running")
		return
	}
	h.reply(ctx, o, domain.NewEvent(domain.EventStatus, "Cancellation requested", map[string]any{
		"workflow_id": state.ID,
	}))
}
