// Package migration upgrades stored payloads to their type's current schema version.
package migration

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/repository"
)

// DefaultPageSize bounds the resources read per repository call.
const DefaultPageSize = 200

// conflictAttempts bounds how often one resource is re-read and re-migrated
// after a concurrent write moved it.
const conflictAttempts = 3

// Migrator is the part of the type registry the service needs.
type Migrator interface {
	CurrentVersion(typ string) (int, error)
	Migrate(typ string, payload json.RawMessage, fromVersion int) (json.RawMessage, error)
}

// VersionRecorder is implemented by backends that persist per-type migration
// markers. It is optional.
type VersionRecorder interface {
	RecordTypeVersion(ctx context.Context, workspaceID, typ string, version int) error
}

// Result summarises one sweep.
type Result struct {
	Migrated   int      `json:"migrated"`
	TouchedIDs []string `json:"touchedIds"`
}

// TypePending is the backlog for one type.
type TypePending struct {
	Outdated      int `json:"outdated"`
	TargetVersion int `json:"targetVersion"`
}

// Pending is a read-only audit of what a sweep would touch.
type Pending struct {
	Total  int                    `json:"total"`
	ByType map[string]TypePending `json:"byType"`
}

// Service migrates workspaces through the repository interface only.
type Service struct {
	repo     repository.Repository
	migrator Migrator
	logger   zerolog.Logger
	pageSize int
}

// New creates a migration service. pageSize <= 0 uses DefaultPageSize.
func New(repo repository.Repository, m Migrator, logger zerolog.Logger, pageSize int) *Service {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Service{
		repo:     repo,
		migrator: m,
		logger:   logger.With().Str("component", "migration").Logger(),
		pageSize: pageSize,
	}
}

// walk visits every resource in the workspace in id order, one bounded page
// at a time. Id order is unaffected by the writes a migration makes.
func (s *Service) walk(ctx context.Context, workspaceID string, visit func(r *models.Resource) error) error {
	opts := repository.ListOptions{Limit: s.pageSize, Sort: &repository.Sort{Field: "id"}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.repo.List(ctx, workspaceID, opts)
		if err != nil {
			return err
		}
		for _, r := range page.Data {
			if err := visit(r); err != nil {
				return err
			}
		}
		if !page.HasMore() {
			return nil
		}
		opts.Cursor = page.NextCursor
	}
}

// MigrateWorkspace upgrades every outdated resource. The first failure stops
// the sweep and is returned as a *MigrationError naming the resource, along
// with the partial result. Running it again after success migrates nothing.
func (s *Service) MigrateWorkspace(ctx context.Context, workspaceID string) (Result, error) {
	res := Result{TouchedIDs: []string{}}
	targets := make(map[string]int)

	err := s.walk(ctx, workspaceID, func(r *models.Resource) error {
		target, err := s.migrator.CurrentVersion(r.Type)
		if err != nil {
			return &kerrors.MigrationError{ResourceID: r.ID, Type: r.Type, Err: err}
		}
		targets[r.Type] = target
		if r.SchemaVersion >= target {
			return nil
		}

		migrated, err := s.migrateOne(ctx, r, target)
		if err != nil {
			return &kerrors.MigrationError{ResourceID: r.ID, Type: r.Type, Err: err}
		}
		if migrated {
			res.Migrated++
			res.TouchedIDs = append(res.TouchedIDs, r.ID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("workspace_id", workspaceID).
			Int("migrated", res.Migrated).
			Msg("migration aborted")
		return res, err
	}

	if rec, ok := s.repo.(VersionRecorder); ok {
		types := make([]string, 0, len(targets))
		for typ := range targets {
			types = append(types, typ)
		}
		sort.Strings(types)
		for _, typ := range types {
			if err := rec.RecordTypeVersion(ctx, workspaceID, typ, targets[typ]); err != nil {
				return res, err
			}
		}
	}

	s.logger.Info().
		Str("workspace_id", workspaceID).
		Int("migrated", res.Migrated).
		Msg("workspace migrated")
	return res, nil
}

// migrateOne upgrades r to target with a save conditional on the revision
// that was read. When a concurrent write moved the resource, it is re-read
// and migrated from its new state. A resource deleted or upgraded meanwhile
// is skipped and reported as not migrated.
func (s *Service) migrateOne(ctx context.Context, r *models.Resource, target int) (bool, error) {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		if attempt > 0 {
			r, err = s.repo.Get(ctx, r.ID)
			if err != nil {
				return false, err
			}
			if r == nil || r.SchemaVersion >= target {
				return false, nil
			}
		}

		payload, merr := s.migrator.Migrate(r.Type, r.Payload, r.SchemaVersion)
		if merr != nil {
			return false, merr
		}
		next := r.Clone()
		next.Payload = payload
		next.SchemaVersion = target
		_, err = s.repo.Save(ctx, next, repository.AsMigration(), repository.IfRevision(repository.RevisionOf(r)))
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, kerrors.ErrConflict) {
			return false, err
		}
		s.logger.Debug().Str("id", r.ID).Int("attempt", attempt+1).Msg("resource changed during migration, re-reading")
	}
	return false, err
}

// PendingMigrations counts outdated resources per type without writing.
// Only types with at least one outdated resource appear in ByType.
func (s *Service) PendingMigrations(ctx context.Context, workspaceID string) (Pending, error) {
	p := Pending{ByType: make(map[string]TypePending)}
	err := s.walk(ctx, workspaceID, func(r *models.Resource) error {
		target, err := s.migrator.CurrentVersion(r.Type)
		if err != nil {
			// Unregistered types cannot be migrated; they are not a backlog.
			return nil
		}
		if r.SchemaVersion >= target {
			return nil
		}
		tp := p.ByType[r.Type]
		tp.Outdated++
		tp.TargetVersion = target
		p.ByType[r.Type] = tp
		p.Total++
		return nil
	})
	if err != nil {
		return Pending{}, err
	}
	return p, nil
}
