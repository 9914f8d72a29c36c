// Package llm defines the completion client capability providers talk to.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned no text")

// Request is a single-turn completion.
type Request struct {
	System string
	Prompt string

	// Temperature overrides the client default when set.
	Temperature *float64
}

// Model produces a text completion.
type Model interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Func adapts a function into a Model.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
