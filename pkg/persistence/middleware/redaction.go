package middleware

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/ports"
)

// Mask replaces redacted text.
const Mask = "***"

// DefaultSecretPatterns match common credentials that end up in transcripts.
var DefaultSecretPatterns = []string{
	`sk-(?:ant-)?[A-Za-z0-9_-]{16,}`,
	`AKIA[0-9A-Z]{16}`,
	`gh[pousr]_[A-Za-z0-9]{36,}`,
	`(?i)(?:password|passwd|secret|api[_-]?key|token)\s*[:=]\s*\S+`,
}

type redactionMiddleware struct {
	next     ports.WorkflowStore
	patterns []*regexp.Regexp
}

// NewRedactionMiddleware masks text matching any of patterns in transcript
// messages and step payloads before they are stored. File contents and code
// changes are stored as is. Redaction is one-way: Load returns the masked text.
func NewRedactionMiddleware(patterns []string) (Middleware, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return func(next ports.WorkflowStore) ports.WorkflowStore {
		return &redactionMiddleware{next: next, patterns: compiled}
	}, nil
}

func (m *redactionMiddleware) Save(ctx context.Context, workflowID string, state *domain.WorkflowState) error {
	// Shallow copy; every slice that is rewritten is replaced, never mutated.
	cloned := *state

	cloned.Messages = slices.Clone(state.Messages)
	for i := range cloned.Messages {
		cloned.Messages[i].Content = m.mask(cloned.Messages[i].Content)
	}

	cloned.History = slices.Clone(state.History)
	for i := range cloned.History {
		cloned.History[i].Input = m.maskMap(cloned.History[i].Input)
		cloned.History[i].Output = m.maskMap(cloned.History[i].Output)
	}

	if state.Error != nil {
		cloned.Error = domain.Ptr(m.mask(*state.Error))
	}

	return m.next.Save(ctx, workflowID, &cloned)
}

func (m *redactionMiddleware) Load(ctx context.Context, workflowID string) (*domain.WorkflowState, error) {
	return m.next.Load(ctx, workflowID)
}

func (m *redactionMiddleware) Delete(ctx context.Context, workflowID string) error {
	return m.next.Delete(ctx, workflowID)
}

func (m *redactionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *redactionMiddleware) mask(s string) string {
	for _, p := range m.patterns {
		s = p.ReplaceAllString(s, Mask)
	}
	return s
}

// maskMap returns a copy of in with every string value masked.
func (m *redactionMiddleware) maskMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = m.maskValue(v)
	}
	return out
}

func (m *redactionMiddleware) maskValue(v any) any {
	switch t := v.(type) {
	case string:
		return m.mask(t)
	case map[string]any:
		return m.maskMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = m.maskValue(e)
		}
		return out
	default:
		return v
	}
}
