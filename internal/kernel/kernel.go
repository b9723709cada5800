// Package kernel is the service facade over the resource store. It gates
// privileged operations with the access policy and owns the wiring of the
// bus, registry, backend, indexer, migrations and metrics.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/exchange"
	"github.com/p-blackswan/resource-kernel/internal/health"
	"github.com/p-blackswan/resource-kernel/internal/indexer"
	"github.com/p-blackswan/resource-kernel/internal/metrics"
	"github.com/p-blackswan/resource-kernel/internal/migration"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/policy"
	"github.com/p-blackswan/resource-kernel/internal/registry"
	"github.com/p-blackswan/resource-kernel/internal/repository"
)

// updateAttempts bounds how often Update re-reads a resource that a
// concurrent migration rewrote.
const updateAttempts = 3

// fullTextRebuilder is implemented by backends with a durable text index.
type fullTextRebuilder interface {
	RebuildFullTextIndex(ctx context.Context) (bool, error)
}

// Kernel is safe for concurrent use.
type Kernel struct {
	bus        *event.Bus
	registry   *registry.Registry
	backend    repository.Repository
	repo       repository.Repository
	index      *indexer.Indexer
	searcher   metrics.Searcher
	migrations metrics.Migrations
	exporter   *exchange.Exporter
	policy     policy.Policy
	audit      *policy.AuditLog
	metrics    *metrics.Metrics
	checker    *health.Checker
	reporter   *health.Reporter
	logger     zerolog.Logger

	healthWorkspace string
	updates         stripes
	closers         []func() error
}

// ReindexResult reports what Reindex rebuilt.
type ReindexResult struct {
	WorkspaceID     string `json:"workspaceId"`
	Indexed         int    `json:"indexed"`
	FullTextRebuilt bool   `json:"fullTextRebuilt"`
}

func (k *Kernel) authorize(ctx context.Context, workspaceID string, action models.Action) (context.Context, error) {
	if workspaceID != "" {
		ctx = policy.WithWorkspace(ctx, workspaceID)
	}
	if !k.policy.Can(ctx, action) {
		return ctx, kerrors.Denied(string(action))
	}
	return ctx, nil
}

// Create stores a new resource. An empty ID is assigned; an ID that already
// exists is rejected.
func (k *Kernel) Create(ctx context.Context, r *models.Resource) (*models.Resource, error) {
	if r == nil {
		return nil, kerrors.NewValidationError("", "", "resource is required")
	}
	ctx, err := k.authorize(ctx, r.WorkspaceID, models.ActionResourceCreate)
	if err != nil {
		return nil, err
	}
	in := r.Clone()
	if in.ID != "" {
		unlock := k.updates.lock(in.ID)
		defer unlock()
		existing, err := k.repo.Get(ctx, in.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, kerrors.NewValidationError(in.Type, "id", fmt.Sprintf("resource %s already exists", in.ID))
		}
	}
	return k.repo.Save(ctx, in)
}

// Update merges p into the stored resource and saves it as a new version.
func (k *Kernel) Update(ctx context.Context, id string, p Patch) (*models.Resource, error) {
	unlock := k.updates.lock(id)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < updateAttempts; attempt++ {
		existing, err := k.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", kerrors.ErrNotFound, id)
		}
		actx, err := k.authorize(ctx, existing.WorkspaceID, models.ActionResourceUpdate)
		if err != nil {
			return nil, err
		}
		next, err := p.apply(existing)
		if err != nil {
			return nil, err
		}
		// A migration can rewrite the payload without taking the update
		// lock, so the save only lands on the revision the patch was
		// applied to.
		saved, err := k.repo.Save(actx, next, repository.IfRevision(repository.RevisionOf(existing)))
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, kerrors.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Get returns the resource or ErrNotFound.
func (k *Kernel) Get(ctx context.Context, id string) (*models.Resource, error) {
	r, err := k.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %s", kerrors.ErrNotFound, id)
	}
	return r, nil
}

// Delete removes the resource. A missing ID is not an error.
func (k *Kernel) Delete(ctx context.Context, id string) error {
	existing, err := k.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	ws := ""
	if existing != nil {
		ws = existing.WorkspaceID
	}
	ctx, err = k.authorize(ctx, ws, models.ActionResourceDelete)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	return k.repo.Delete(ctx, id)
}

// List returns one page of the workspace.
func (k *Kernel) List(ctx context.Context, workspaceID string, opts repository.ListOptions) (*repository.Page, error) {
	return k.repo.List(ctx, workspaceID, opts)
}

// Search queries the in-memory index.
func (k *Kernel) Search(ctx context.Context, workspaceID, query string) ([]*models.Resource, error) {
	return k.searcher.Search(ctx, workspaceID, query)
}

// MigrateWorkspace upgrades every outdated resource in the workspace.
func (k *Kernel) MigrateWorkspace(ctx context.Context, workspaceID string) (migration.Result, error) {
	ctx, err := k.authorize(ctx, workspaceID, models.ActionMigrationRun)
	if err != nil {
		return migration.Result{}, err
	}
	return k.migrations.MigrateWorkspace(ctx, workspaceID)
}

// PendingMigrations is read-only and not gated.
func (k *Kernel) PendingMigrations(ctx context.Context, workspaceID string) (migration.Pending, error) {
	return k.migrations.PendingMigrations(ctx, workspaceID)
}

// Export returns the whole workspace as NDJSON.
func (k *Kernel) Export(ctx context.Context, workspaceID string) (*exchange.Bundle, error) {
	ctx, err := k.authorize(ctx, workspaceID, models.ActionExportRun)
	if err != nil {
		return nil, err
	}
	return k.exporter.Export(ctx, workspaceID)
}

// ExportSince returns resources updated after since.
func (k *Kernel) ExportSince(ctx context.Context, workspaceID string, since int64) (*exchange.Bundle, error) {
	ctx, err := k.authorize(ctx, workspaceID, models.ActionExportRun)
	if err != nil {
		return nil, err
	}
	return k.exporter.ExportSince(ctx, workspaceID, since)
}

// ExportChunks splits the export body into chunks of chunkSize lines.
func (k *Kernel) ExportChunks(ctx context.Context, workspaceID string, chunkSize int) (exchange.Manifest, [][]byte, error) {
	ctx, err := k.authorize(ctx, workspaceID, models.ActionExportRun)
	if err != nil {
		return exchange.Manifest{}, nil, err
	}
	return k.exporter.ExportChunks(ctx, workspaceID, chunkSize)
}

// WriteExport streams an export to w.
func (k *Kernel) WriteExport(ctx context.Context, workspaceID string, since *int64, w io.Writer) (exchange.Manifest, error) {
	ctx, err := k.authorize(ctx, workspaceID, models.ActionExportRun)
	if err != nil {
		return exchange.Manifest{}, err
	}
	return k.exporter.WriteTo(ctx, workspaceID, since, w)
}

// ValidateImport checks an export bundle without touching the store.
func (k *Kernel) ValidateImport(m exchange.Manifest, body io.Reader) (exchange.Report, error) {
	return exchange.ValidateImport(m, body)
}

// Reindex rebuilds the workspace's search index and, when the backend has
// one, the durable full-text index.
func (k *Kernel) Reindex(ctx context.Context, workspaceID string) (ReindexResult, error) {
	ctx, err := k.authorize(ctx, workspaceID, models.ActionMigrationRun)
	if err != nil {
		return ReindexResult{}, err
	}
	res := ReindexResult{WorkspaceID: workspaceID}
	if fts, ok := k.backend.(fullTextRebuilder); ok {
		if res.FullTextRebuilt, err = fts.RebuildFullTextIndex(ctx); err != nil {
			return res, err
		}
	}
	if res.Indexed, err = k.searcher.Rebuild(ctx, workspaceID); err != nil {
		return res, err
	}
	return res, nil
}

// Health assembles a snapshot from every configured probe.
func (k *Kernel) Health(ctx context.Context) health.Snapshot {
	return k.reporter.Snapshot(ctx)
}

// Ready reports whether every readiness check passes.
func (k *Kernel) Ready(ctx context.Context) bool {
	return k.checker.IsReady(ctx)
}

// Registry returns the type registry.
func (k *Kernel) Registry() *registry.Registry { return k.registry }

// Metrics returns the metrics collectors.
func (k *Kernel) Metrics() *metrics.Metrics { return k.metrics }

// Audit returns the access audit log.
func (k *Kernel) Audit() *policy.AuditLog { return k.audit }

// Bus returns the event bus.
func (k *Kernel) Bus() *event.Bus { return k.bus }

// Close detaches subscribers, drains the bus and closes the backend.
func (k *Kernel) Close() error {
	k.index.Detach()
	k.bus.Close()
	var first error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
