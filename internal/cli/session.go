package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/sochen"
	"github.com/aretw0/sochen/internal/presentation/tui"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/hub"
	"github.com/aretw0/sochen/pkg/ledger"
)

// Session runs one workflow against an engine.
type Session struct {
	engine *sochen.Engine
	in     *bufio.Reader
	out    io.Writer
	render func(string) (string, error)
}

// NewSession reads checkpoint answers from in and writes progress to out.
func NewSession(e *sochen.Engine, in io.Reader, out io.Writer) *Session {
	return &Session{
		engine: e,
		in:     bufio.NewReader(in),
		out:    out,
		render: tui.NewRenderer(),
	}
}

// Run creates the workflow, drives it through every checkpoint and prints
// the result. The returned state is the last one persisted.
func (s *Session) Run(ctx context.Context, opts RunOptions) (*domain.WorkflowState, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	interactive := !opts.JSON && !opts.Headless
	if interactive {
		tui.PrintBanner(s.out)
	}

	state, err := s.engine.Run(ctx, opts.Task, ledger.Init{
		ID:              opts.WorkflowID,
		FilePaths:       opts.FilePaths,
		FocusedFilePath: opts.Focus,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow failed: %w", err)
	}

	for interactive && state.Status == domain.StatusWaitingForHuman {
		s.print(state)
		state, err = s.checkpoint(ctx, state)
		if err != nil {
			return state, err
		}
	}

	if opts.JSON {
		if err := json.NewEncoder(s.out).Encode(hub.Results(state)); err != nil {
			return state, fmt.Errorf("failed to encode results: %w", err)
		}
	} else {
		s.print(state)
	}

	if opts.Apply && state.Status == domain.StatusCompleted && len(state.AcceptedChanges) > 0 {
		paths, err := s.engine.Apply(ctx, state.ID)
		if err != nil {
			return state, fmt.Errorf("failed to apply changes: %w", err)
		}
		if !opts.JSON {
			for _, p := range paths {
				fmt.Fprintf(s.out, "wrote %s\n", p)
			}
		}
	}
	return state, nil
}

// checkpoint asks the human what to do with a waiting workflow.
func (s *Session) checkpoint(ctx context.Context, state *domain.WorkflowState) (*domain.WorkflowState, error) {
	for {
		answer, err := s.prompt("Continue with feedback (c), accept changes (a), reject (r) or stop (s)? ")
		if err != nil {
			// No more input: leave the workflow waiting.
			return state, nil
		}

		switch strings.ToLower(answer) {
		case "c", hub.FeedbackContinue:
			feedback, err := s.prompt("Feedback: ")
			if err != nil {
				return state, nil
			}
			outcome, err := s.engine.Router().Resume(ctx, state.ID, feedback)
			if err != nil {
				return state, err
			}
			res := <-outcome
			if res.Err != nil {
				return res.State, res.Err
			}
			return res.State, nil
		case "a", hub.FeedbackAccept:
			return s.engine.Router().Conclude(ctx, state.ID, "", true)
		case "r", "s", hub.FeedbackReject, hub.FeedbackStop:
			return s.engine.Router().Conclude(ctx, state.ID, "", false)
		default:
			fmt.Fprintf(s.out, "Unknown answer %q\n", answer)
		}
	}
}

func (s *Session) prompt(label string) (string, error) {
	fmt.Fprint(s.out, label)
	line, err := s.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (s *Session) print(state *domain.WorkflowState) {
	out, err := s.render(tui.WorkflowMarkdown(state))
	if err != nil {
		out = tui.WorkflowMarkdown(state)
	}
	fmt.Fprint(s.out, out)
	fmt.Fprintf(s.out, "Status: %s\n\n", tui.Status(state.Status))
}
