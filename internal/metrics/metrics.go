// Package metrics defines the prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	Iterations        *prometheus.CounterVec
	ProviderDuration  *prometheus.HistogramVec
	ActiveWorkflows   prometheus.Gauge
	FinishedWorkflows *prometheus.CounterVec
	Observers         prometheus.Gauge
	EventsDropped     prometheus.Counter
	MemoryOperations  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the engine collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		Iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sochen_router_iterations_total",
				Help: "Router iterations by provider and outcome",
			},
			[]string{"agent", "outcome"},
		),
		ProviderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sochen_provider_duration_seconds",
				Help:    "Duration of capability provider invocations",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),
		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sochen_workflows_active",
			Help: "Workflows whose router loop is currently running",
		}),
		FinishedWorkflows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sochen_workflows_halted_total",
				Help: "Router loops that halted, by final status",
			},
			[]string{"status"},
		),
		Observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sochen_hub_observers",
			Help: "Connected session observers",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sochen_hub_events_dropped_total",
			Help: "Events that could not be delivered to an observer",
		}),
		MemoryOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sochen_memory_operations_total",
				Help: "Memory store operations by kind and result",
			},
			[]string{"op", "result"},
		),
	}

	reg.MustRegister(
		m.Iterations,
		m.ProviderDuration,
		m.ActiveWorkflows,
		m.FinishedWorkflows,
		m.Observers,
		m.EventsDropped,
		m.MemoryOperations,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
