package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/aretw0/sochen/internal/logging"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/providers"
	"github.com/aretw0/sochen/pkg/router"
)

// Name is the capability name checks register under.
const Name = "checks"

// DefaultTimeout bounds a check that sets none.
const DefaultTimeout = 5 * time.Minute

// maxOutput is how much of a check's output is kept, from the end.
const maxOutput = 8 * 1024

// Runner executes allow-listed checks in the workspace. Only registered
// commands run; nothing a provider or a human writes is ever executed.
// Workflow data reaches the process through SOCHEN_* environment variables,
// never through arguments.
type Runner struct {
	checks  []Check
	baseDir string
	logger  *slog.Logger
}

// Option configures the runner.
type Option func(*Runner)

// WithBaseDir sets the working directory of every check.
func WithBaseDir(dir string) Option {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner for checks.
func NewRunner(checks []Check, opts ...Option) *Runner {
	r := &Runner{logger: logging.NewNop()}
	for _, c := range checks {
		r.Register(c)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a check, replacing one of the same name.
func (r *Runner) Register(c Check) {
	for i := range r.checks {
		if r.checks[i].Name == c.Name {
			r.checks[i] = c
			return
		}
	}
	r.checks = append(r.checks, c)
}

// Checks returns the registered checks in order.
func (r *Runner) Checks() []Check {
	return append([]Check(nil), r.checks...)
}

// CatalogEntry describes the checks capability to the orchestrator.
func (r *Runner) CatalogEntry() providers.Entry {
	names := make([]string, 0, len(r.checks))
	for _, c := range r.checks {
		names = append(names, c.Name)
	}
	return providers.Entry{
		Name:        Name,
		Description: fmt.Sprintf("Runs the project's checks (%s) against the workspace and records which pass.", strings.Join(names, ", ")),
		Abilities:   []string{"test"},
		External:    true,
	}
}

// Name implements ports.Capability.
func (r *Runner) Name() string { return Name }

// Invoke runs every check and hands control back to the orchestrator.
// A failing check is a result, not an error; only a cancelled context fails
// the step.
func (r *Runner) Invoke(ctx context.Context, state *domain.WorkflowState) (*domain.Delta, error) {
	if len(r.checks) == 0 {
		return nil, errors.New("no checks configured")
	}

	env := workflowEnv(state)
	results := make([]domain.TestResult, 0, len(r.checks))
	passed := 0
	for _, c := range r.checks {
		res := r.Run(ctx, c, env)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if *res.Passed {
			passed++
		}
		results = append(results, res)
	}

	summary := fmt.Sprintf("%d of %d checks passed.", passed, len(results))
	return &domain.Delta{
		NextAgent:   domain.Ptr(router.Bootstrap),
		Action:      "check",
		TestResults: results,
		Messages:    []domain.Message{{Role: Name, Content: summary}},
		Output: map[string]any{
			"passed": passed,
			"failed": len(results) - passed,
		},
	}, nil
}

// Run executes one check. The result message holds the tail of its combined
// output.
func (r *Runner) Run(ctx context.Context, c Check, env []string) domain.TestResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = r.baseDir
	cmd.WaitDelay = time.Second
	cmd.Env = append(cmd.Environ(), env...)
	for k, v := range c.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	ok := err == nil

	msg := tail(out.String())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		msg = strings.TrimSpace(fmt.Sprintf("%v\n%s", err, msg))
	}

	r.logger.Debug("Check finished", "check", c.Name, "passed", ok, "duration", time.Since(start))
	return domain.TestResult{TestName: c.Name, Passed: domain.Ptr(ok), Message: msg}
}

func workflowEnv(state *domain.WorkflowState) []string {
	env := []string{
		"SOCHEN_WORKFLOW_ID=" + state.ID,
		"SOCHEN_TASK=" + state.Task,
		"SOCHEN_FILES=" + strings.Join(state.FilePaths, ","),
	}
	if state.FocusedFilePath != nil {
		env = append(env, "SOCHEN_FILE="+*state.FocusedFilePath)
	}
	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutput {
		return s
	}
	return "..." + s[len(s)-maxOutput:]
}
