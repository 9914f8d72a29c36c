package router

import (
	"log/slog"

	"github.com/aretw0/sochen/internal/metrics"
	"github.com/aretw0/sochen/pkg/domain"
	"github.com/aretw0/sochen/pkg/graph"
	"github.com/aretw0/sochen/pkg/ports"
)

// DefaultMaxIterations bounds a single Run when no limit is configured.
const DefaultMaxIterations = 50

// Option defines a functional option for configuring the Router.
type Option func(*Router)

// WithLogger configures the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithGraph enables blast-radius reporting for proposed changes.
func WithGraph(g *graph.Graph) Option {
	return func(r *Router) {
		r.graph = g
	}
}

// WithMetrics registers iteration and duration collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithMaxIterations caps the provider calls of one Run. Values <= 0 keep the default.
func WithMaxIterations(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithFeedbackLimit bounds human feedback in bytes. Values <= 0 keep the default.
func WithFeedbackLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.feedbackLimit = n
		}
	}
}

// WithLifecycleHooks registers observability hooks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(r *Router) {
		r.hooks = append(r.hooks, hooks)
	}
}

// WithCapabilities registers providers at construction.
func WithCapabilities(caps ...ports.Capability) Option {
	return func(r *Router) {
		for _, c := range caps {
			r.caps[c.Name()] = c
		}
	}
}
