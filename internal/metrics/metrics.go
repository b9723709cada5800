// Package metrics provides Prometheus metrics for the resource kernel and
// decorators that record them around repository, index and migration calls.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/event"
)

// Metrics holds all Prometheus metrics for the kernel.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	EventsTotal       *prometheus.CounterVec
	HandlerFailures   *prometheus.CounterVec
	AccessDenied      *prometheus.CounterVec
	IndexedResources  prometheus.Gauge
	MigratedTotal     prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_operations_total",
				Help: "Total operations by component, operation and status.",
			},
			[]string{"component", "op", "status"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_operation_duration_seconds",
				Help:    "Operation latency by component and operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component", "op"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_errors_total",
				Help: "Total failed operations by component and error kind.",
			},
			[]string{"component", "kind"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_events_total",
				Help: "Domain events published, by topic.",
			},
			[]string{"topic"},
		),
		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_event_handler_failures_total",
				Help: "Event subscriber failures, by subscription pattern.",
			},
			[]string{"pattern"},
		),
		AccessDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_access_denied_total",
				Help: "Access policy denials, by action.",
			},
			[]string{"action"},
		),
		IndexedResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_indexed_resources",
				Help: "Resources currently held by the search index.",
			},
		),
		MigratedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_resources_migrated_total",
				Help: "Resources upgraded to a newer schema version.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.OperationsTotal)
	reg.MustRegister(m.OperationDuration)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.HandlerFailures)
	reg.MustRegister(m.AccessDenied)
	reg.MustRegister(m.IndexedResources)
	reg.MustRegister(m.MigratedTotal)

	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one call and observes its latency.
func (m *Metrics) RecordOperation(component, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ErrorsTotal.WithLabelValues(component, ErrorKind(err)).Inc()
	}
	m.OperationsTotal.WithLabelValues(component, op, status).Inc()
	m.OperationDuration.WithLabelValues(component, op).Observe(time.Since(start).Seconds())
}

// RecordEvent counts a published event.
func (m *Metrics) RecordEvent(topic string) {
	m.EventsTotal.WithLabelValues(topic).Inc()
}

// RecordHandlerFailure counts a failed event subscriber.
func (m *Metrics) RecordHandlerFailure(pattern string) {
	m.HandlerFailures.WithLabelValues(pattern).Inc()
}

// RecordAccessDenied counts a policy denial.
func (m *Metrics) RecordAccessDenied(action string) {
	m.AccessDenied.WithLabelValues(action).Inc()
}

// RecordMigrated adds n upgraded resources.
func (m *Metrics) RecordMigrated(n int) {
	m.MigratedTotal.Add(float64(n))
}

// SetIndexedResources sets the index size gauge.
func (m *Metrics) SetIndexedResources(n int) {
	m.IndexedResources.Set(float64(n))
}

// FailureHook adapts RecordHandlerFailure to the bus option.
func (m *Metrics) FailureHook() event.FailureHook {
	return func(_ event.Event, pattern string, _ error) {
		m.RecordHandlerFailure(pattern)
	}
}

// Attach counts every event published on bus.
func (m *Metrics) Attach(bus *event.Bus) *event.Subscription {
	return bus.Subscribe(event.Wildcard, func(_ context.Context, ev event.Event) error {
		m.RecordEvent(ev.Topic())
		return nil
	})
}

// ErrorKind maps an error onto a low-cardinality label.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, kerrors.ErrValidation):
		return "validation"
	case errors.Is(err, kerrors.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, kerrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, kerrors.ErrInvalidCursor):
		return "invalid_cursor"
	case errors.Is(err, kerrors.ErrMigration):
		return "migration"
	case errors.Is(err, kerrors.ErrConflict):
		return "conflict"
	case errors.Is(err, kerrors.ErrDenied):
		return "denied"
	case errors.Is(err, kerrors.ErrIndexing):
		return "indexing"
	case errors.Is(err, kerrors.ErrStorage):
		return "storage"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
