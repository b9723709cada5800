package health

import (
	"context"
	"fmt"
	"sort"

	"github.com/p-blackswan/resource-kernel/internal/models"
)

// Probe produces one optional section of the snapshot.
type Probe func(ctx context.Context) (any, error)

// Snapshot is a point-in-time health report. Sections whose probe is not
// configured, or failed, are omitted.
type Snapshot struct {
	Timestamp  int64             `json:"timestamp"`
	OK         bool              `json:"ok"`
	Sync       any               `json:"sync,omitempty"`
	Metrics    any               `json:"metrics,omitempty"`
	Migrations any               `json:"migrations,omitempty"`
	Checks     map[string]Status `json:"checks,omitempty"`
	Notes      []string          `json:"notes"`
}

// Reporter assembles snapshots from its probes.
type Reporter struct {
	sync       Probe
	metrics    Probe
	migrations Probe
	checker    *Checker
	now        func() int64
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithSync sets the index consistency probe.
func WithSync(p Probe) ReporterOption { return func(r *Reporter) { r.sync = p } }

// WithMetrics sets the metrics summary probe.
func WithMetrics(p Probe) ReporterOption { return func(r *Reporter) { r.metrics = p } }

// WithMigrations sets the pending migrations probe.
func WithMigrations(p Probe) ReporterOption { return func(r *Reporter) { r.migrations = p } }

// WithChecker includes readiness checks in the snapshot.
func WithChecker(c *Checker) ReporterOption { return func(r *Reporter) { r.checker = c } }

// NewReporter creates a reporter.
func NewReporter(opts ...ReporterOption) *Reporter {
	r := &Reporter{now: models.NowMillis}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot runs every probe. A failing probe clears OK and adds a note;
// it never stops the remaining probes.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{Timestamp: r.now(), OK: true, Notes: []string{}}

	run := func(name string, p Probe) any {
		if p == nil {
			return nil
		}
		v, err := safeRun(ctx, p)
		if err != nil {
			s.OK = false
			s.Notes = append(s.Notes, fmt.Sprintf("%s: %v", name, err))
			return nil
		}
		return v
	}
	s.Sync = run("sync", r.sync)
	s.Metrics = run("metrics", r.metrics)
	s.Migrations = run("migrations", r.migrations)

	if r.checker != nil {
		s.Checks = r.checker.RunAll(ctx)
		names := make([]string, 0, len(s.Checks))
		for n := range s.Checks {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if s.Checks[n] == StatusDown {
				s.OK = false
				s.Notes = append(s.Notes, fmt.Sprintf("check %s: down", n))
			}
		}
	}
	return s
}

func safeRun(ctx context.Context, p Probe) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panicked: %v", rec)
		}
	}()
	return p(ctx)
}
