package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/p-blackswan/resource-kernel/internal/cache"
	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
)

// Summary is a compact view of the counters, for health reporting.
type Summary struct {
	Operations       float64 `json:"operations"`
	Errors           float64 `json:"errors"`
	Events           float64 `json:"events"`
	HandlerFailures  float64 `json:"handlerFailures"`
	AccessDenied     float64 `json:"accessDenied"`
	Migrated         float64 `json:"migrated"`
	IndexedResources float64 `json:"indexedResources"`
}

// Summary gathers the registry and totals each family across labels.
func (m *Metrics) Summary() (Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %v", kerrors.ErrMetrics, err)
	}

	totals := make(map[string]float64, len(families))
	for _, fam := range families {
		totals[fam.GetName()] = sum(fam)
	}
	return Summary{
		Operations:       totals["kernel_operations_total"],
		Errors:           totals["kernel_errors_total"],
		Events:           totals["kernel_events_total"],
		HandlerFailures:  totals["kernel_event_handler_failures_total"],
		AccessDenied:     totals["kernel_access_denied_total"],
		Migrated:         totals["kernel_resources_migrated_total"],
		IndexedResources: totals["kernel_indexed_resources"],
	}, nil
}

func sum(fam *dto.MetricFamily) float64 {
	var total float64
	for _, metric := range fam.GetMetric() {
		switch {
		case metric.GetCounter() != nil:
			total += metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			total += metric.GetGauge().GetValue()
		}
	}
	return total
}

// RegisterCache exports read cache counters under the given name.
func (m *Metrics) RegisterCache(name string, stats func() cache.Stats) error {
	labels := prometheus.Labels{"cache": name}
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kernel_cache_hits_total", Help: "Read cache hits.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kernel_cache_misses_total", Help: "Read cache misses.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kernel_cache_evictions_total", Help: "Read cache evictions.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Evictions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kernel_cache_entries", Help: "Entries held by the read cache.", ConstLabels: labels,
		}, func() float64 { return float64(stats().Len) }),
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return fmt.Errorf("%w: %v", kerrors.ErrMetrics, err)
		}
	}
	return nil
}
