package domain

import (
	"context"
	"time"
)

// EventType defines the category of an outbound event.
type EventType string

const (
	EventStatus          EventType = "status"
	EventWorkflowResults EventType = "workflow_results"
)

// Event is the message sent to session observers.
type Event struct {
	Type      EventType      `json:"type"`
	Message   string         `json:"message,omitempty"`
	Timestamp float64        `json:"timestamp"` // Unix seconds
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, message string, data map[string]any) Event {
	return Event{
		Type:      t,
		Message:   message,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Data:      data,
	}
}

// ErrorEvent builds the status event returned to an observer whose command failed.
func ErrorEvent(message string) Event {
	return NewEvent(EventStatus, message, map[string]any{"error": true})
}

// IsError reports whether the event carries the error flag.
func (e Event) IsError() bool {
	v, _ := e.Data["error"].(bool)
	return v
}

// StepEvent describes one router iteration.
type StepEvent struct {
	WorkflowID string
	Agent      string
	Iteration  int
	Fallback   bool // true when the bootstrap provider replaced a missing next_agent

	// Set on completion only.
	Action   string
	Status   Status
	Err      error
	Duration time.Duration
	Diff     *StateDiff
}

// LifecycleHooks defines callbacks for router observability.
type LifecycleHooks struct {
	OnStepStart func(context.Context, *StepEvent)
	OnStepEnd   func(context.Context, *StepEvent)
	OnHalt      func(context.Context, *WorkflowState)
}
