package metrics

import (
	"context"
	"time"

	"github.com/p-blackswan/resource-kernel/internal/migration"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/repository"
)

// Component labels.
const (
	ComponentRepository = "repository"
	ComponentIndexer    = "indexer"
	ComponentMigration  = "migration"
)

// Repository records metrics around any repository.Repository.
type Repository struct {
	inner repository.Repository
	m     *Metrics
}

var _ repository.Repository = (*Repository)(nil)

// InstrumentRepository decorates repo.
func InstrumentRepository(repo repository.Repository, m *Metrics) *Repository {
	return &Repository{inner: repo, m: m}
}

// Unwrap returns the decorated repository.
func (r *Repository) Unwrap() repository.Repository { return r.inner }

func (r *Repository) Save(ctx context.Context, res *models.Resource, opts ...repository.SaveOption) (*models.Resource, error) {
	start := time.Now()
	out, err := r.inner.Save(ctx, res, opts...)
	r.m.RecordOperation(ComponentRepository, "save", start, err)
	return out, err
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Resource, error) {
	start := time.Now()
	out, err := r.inner.Get(ctx, id)
	r.m.RecordOperation(ComponentRepository, "get", start, err)
	return out, err
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := r.inner.Delete(ctx, id)
	r.m.RecordOperation(ComponentRepository, "delete", start, err)
	return err
}

func (r *Repository) List(ctx context.Context, workspaceID string, opts repository.ListOptions) (*repository.Page, error) {
	start := time.Now()
	out, err := r.inner.List(ctx, workspaceID, opts)
	r.m.RecordOperation(ComponentRepository, "list", start, err)
	return out, err
}

// Searcher is the indexer surface the kernel uses.
type Searcher interface {
	Search(ctx context.Context, workspaceID, query string) ([]*models.Resource, error)
	Rebuild(ctx context.Context, workspaceID string) (int, error)
	Size() int
}

// Indexer records metrics around a Searcher and keeps the size gauge current.
type Indexer struct {
	inner Searcher
	m     *Metrics
}

// InstrumentIndexer decorates ix.
func InstrumentIndexer(ix Searcher, m *Metrics) *Indexer {
	return &Indexer{inner: ix, m: m}
}

func (i *Indexer) Search(ctx context.Context, workspaceID, query string) ([]*models.Resource, error) {
	start := time.Now()
	out, err := i.inner.Search(ctx, workspaceID, query)
	i.m.RecordOperation(ComponentIndexer, "search", start, err)
	return out, err
}

func (i *Indexer) Rebuild(ctx context.Context, workspaceID string) (int, error) {
	start := time.Now()
	n, err := i.inner.Rebuild(ctx, workspaceID)
	i.m.RecordOperation(ComponentIndexer, "rebuild", start, err)
	i.m.SetIndexedResources(i.inner.Size())
	return n, err
}

func (i *Indexer) Size() int {
	n := i.inner.Size()
	i.m.SetIndexedResources(n)
	return n
}

// Migrations is the migration service surface the kernel uses.
type Migrations interface {
	MigrateWorkspace(ctx context.Context, workspaceID string) (migration.Result, error)
	PendingMigrations(ctx context.Context, workspaceID string) (migration.Pending, error)
}

// Migrator records metrics around a migration service.
type Migrator struct {
	inner Migrations
	m     *Metrics
}

// InstrumentMigrator decorates svc.
func InstrumentMigrator(svc Migrations, m *Metrics) *Migrator {
	return &Migrator{inner: svc, m: m}
}

func (g *Migrator) MigrateWorkspace(ctx context.Context, workspaceID string) (migration.Result, error) {
	start := time.Now()
	res, err := g.inner.MigrateWorkspace(ctx, workspaceID)
	g.m.RecordOperation(ComponentMigration, "migrate_workspace", start, err)
	g.m.RecordMigrated(res.Migrated)
	return res, err
}

func (g *Migrator) PendingMigrations(ctx context.Context, workspaceID string) (migration.Pending, error) {
	start := time.Now()
	p, err := g.inner.PendingMigrations(ctx, workspaceID)
	g.m.RecordOperation(ComponentMigration, "pending", start, err)
	return p, err
}

// RecordTypeVersion forwards to the decorated backend when it keeps markers.
func (r *Repository) RecordTypeVersion(ctx context.Context, workspaceID, typ string, version int) error {
	if rec, ok := r.inner.(migration.VersionRecorder); ok {
		return rec.RecordTypeVersion(ctx, workspaceID, typ, version)
	}
	return nil
}
