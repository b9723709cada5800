package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/registry"
	"github.com/p-blackswan/resource-kernel/internal/repository"
	"github.com/p-blackswan/resource-kernel/internal/store"
)

func defaultRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	ds, err := registry.Defaults()
	require.NoError(t, err)
	reg := registry.New()
	require.NoError(t, reg.RegisterAll(ds))
	return reg
}

func measurementV1(ws, id string, value float64) *models.Resource {
	payload, _ := json.Marshal(map[string]any{"value": value})
	return &models.Resource{ID: id, Type: "measurement", WorkspaceID: ws, SchemaVersion: 1, Payload: payload}
}

type backend struct {
	name string
	open func(t *testing.T, reg *registry.Registry, bus *event.Bus) repository.Repository
}

var backends = []backend{
	{"memory", func(t *testing.T, reg *registry.Registry, bus *event.Bus) repository.Repository {
		return repository.NewMemory(reg, bus, zerolog.Nop())
	}},
	{"sqlite", func(t *testing.T, reg *registry.Registry, bus *event.Bus) repository.Repository {
		s, err := store.New(store.Config{Path: filepath.Join(t.TempDir(), "m.db")}, reg, bus, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

func TestMigrateWorkspace_AddsDefaultUnit(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			reg := defaultRegistry(t)
			bus := event.New(zerolog.Nop())
			var migratedEvents int
			bus.Subscribe("resource.migrated", func(ctx context.Context, ev event.Event) error {
				migratedEvents++
				return nil
			})
			repo := b.open(t, reg, bus)

			_, err := repo.Save(ctx, measurementV1("ws", "m-1", 72.5))
			require.NoError(t, err)
			_, err = repo.Save(ctx, measurementV1("ws", "m-1", 73))
			require.NoError(t, err)
			_, err = repo.Save(ctx, &models.Resource{ID: "n-1", Type: "note", WorkspaceID: "ws", Payload: json.RawMessage(`{"text":"current"}`)})
			require.NoError(t, err)

			svc := New(repo, reg, zerolog.Nop(), 1)

			pending, err := svc.PendingMigrations(ctx, "ws")
			require.NoError(t, err)
			assert.Equal(t, 1, pending.Total)
			assert.Equal(t, TypePending{Outdated: 1, TargetVersion: 2}, pending.ByType["measurement"])

			res, err := svc.MigrateWorkspace(ctx, "ws")
			require.NoError(t, err)
			assert.Equal(t, 1, res.Migrated)
			assert.Equal(t, []string{"m-1"}, res.TouchedIDs)
			assert.Equal(t, 1, migratedEvents)

			got, err := repo.Get(ctx, "m-1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"value":73,"unit":"kg"}`, string(got.Payload))
			assert.Equal(t, 2, got.SchemaVersion)
			assert.Equal(t, 2, got.Version, "migration is not an edit")

			again, err := svc.MigrateWorkspace(ctx, "ws")
			require.NoError(t, err)
			assert.Equal(t, 0, again.Migrated)
			assert.Empty(t, again.TouchedIDs)

			pending, err = svc.PendingMigrations(ctx, "ws")
			require.NoError(t, err)
			assert.Equal(t, 0, pending.Total)
			assert.Empty(t, pending.ByType)
		})
	}
}

func TestMigrateWorkspace_PagesThroughLargeWorkspace(t *testing.T) {
	ctx := context.Background()
	reg := defaultRegistry(t)
	repo := repository.NewMemory(reg, nil, zerolog.Nop())
	for i := 0; i < 25; i++ {
		_, err := repo.Save(ctx, measurementV1("ws", fmt.Sprintf("m-%02d", i), float64(i)))
		require.NoError(t, err)
	}
	_, err := repo.Save(ctx, measurementV1("other", "elsewhere", 1))
	require.NoError(t, err)

	res, err := New(repo, reg, zerolog.Nop(), 4).MigrateWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, 25, res.Migrated)

	other, err := repo.Get(ctx, "elsewhere")
	require.NoError(t, err)
	assert.Equal(t, 1, other.SchemaVersion)
}

func TestMigrateWorkspace_RenamesTaskTitle(t *testing.T) {
	ctx := context.Background()
	reg := defaultRegistry(t)
	repo := repository.NewMemory(reg, nil, zerolog.Nop())
	_, err := repo.Save(ctx, &models.Resource{ID: "t-1", Type: "task", WorkspaceID: "ws", SchemaVersion: 1, Payload: json.RawMessage(`{"title":"ship it"}`)})
	require.NoError(t, err)

	_, err = New(repo, reg, zerolog.Nop(), 0).MigrateWorkspace(ctx, "ws")
	require.NoError(t, err)

	got, err := repo.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"ship it","status":"open"}`, string(got.Payload))
}

// brokenMigrator fails for one id's payload.
type brokenMigrator struct {
	*registry.Registry
	poison string
}

func (b brokenMigrator) Migrate(typ string, payload json.RawMessage, from int) (json.RawMessage, error) {
	if string(payload) == b.poison {
		return nil, errors.New("cannot upgrade")
	}
	return b.Registry.Migrate(typ, payload, from)
}

func TestMigrateWorkspace_AbortsAndNamesFailure(t *testing.T) {
	ctx := context.Background()
	reg := defaultRegistry(t)
	repo := repository.NewMemory(reg, nil, zerolog.Nop())
	for _, r := range []*models.Resource{
		measurementV1("ws", "a", 1),
		{ID: "b", Type: "measurement", WorkspaceID: "ws", SchemaVersion: 1, Payload: json.RawMessage(`{"value":"poison"}`)},
		measurementV1("ws", "c", 3),
	} {
		_, err := repo.Save(ctx, r)
		require.NoError(t, err)
	}

	svc := New(repo, brokenMigrator{Registry: reg, poison: `{"value":"poison"}`}, zerolog.Nop(), 10)
	res, err := svc.MigrateWorkspace(ctx, "ws")
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrMigration)

	var merr *kerrors.MigrationError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "b", merr.ResourceID)
	assert.Equal(t, []string{"a"}, res.TouchedIDs)

	c, err := repo.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SchemaVersion, "nothing after the failure is touched")
}

func TestMigrateWorkspace_RecordsTypeVersions(t *testing.T) {
	ctx := context.Background()
	reg := defaultRegistry(t)
	s, err := store.New(store.Config{Path: filepath.Join(t.TempDir(), "m.db")}, reg, nil, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Save(ctx, measurementV1("ws", "m-1", 1))
	require.NoError(t, err)
	_, err = New(s, reg, zerolog.Nop(), 0).MigrateWorkspace(ctx, "ws")
	require.NoError(t, err)

	versions, err := s.TypeVersions(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"measurement": 2}, versions)
}

func TestMigrateWorkspace_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg := defaultRegistry(t)
	repo := repository.NewMemory(reg, nil, zerolog.Nop())

	_, err := New(repo, reg, zerolog.Nop(), 0).MigrateWorkspace(ctx, "ws")
	assert.ErrorIs(t, err, context.Canceled)
}

// racingRepo runs interleave once, right before the first migration save
// reaches the backend.
type racingRepo struct {
	repository.Repository
	interleave func(ctx context.Context)
	done       bool
}

func (r *racingRepo) Save(ctx context.Context, res *models.Resource, opts ...repository.SaveOption) (*models.Resource, error) {
	if repository.ResolveSaveOptions(opts).Migration && !r.done {
		r.done = true
		r.interleave(ctx)
	}
	return r.Repository.Save(ctx, res, opts...)
}

func TestMigrateWorkspace_ConcurrentEditIsMigratedNotLost(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			reg := defaultRegistry(t)
			inner := b.open(t, reg, nil)
			_, err := inner.Save(ctx, measurementV1("ws", "m-1", 1))
			require.NoError(t, err)

			repo := &racingRepo{Repository: inner, interleave: func(ctx context.Context) {
				_, err := inner.Save(ctx, measurementV1("ws", "m-1", 99))
				require.NoError(t, err)
			}}
			res, err := New(repo, reg, zerolog.Nop(), 10).MigrateWorkspace(ctx, "ws")
			require.NoError(t, err)
			assert.Equal(t, 1, res.Migrated)

			got, err := inner.Get(ctx, "m-1")
			require.NoError(t, err)
			assert.Equal(t, 2, got.Version, "the edit is kept and migration adds no version")
			assert.Equal(t, 2, got.SchemaVersion)
			assert.JSONEq(t, `{"value":99,"unit":"kg"}`, string(got.Payload))
		})
	}
}

func TestMigrateWorkspace_SkipsResourceDeletedMidSweep(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			reg := defaultRegistry(t)
			inner := b.open(t, reg, nil)
			_, err := inner.Save(ctx, measurementV1("ws", "m-1", 1))
			require.NoError(t, err)

			repo := &racingRepo{Repository: inner, interleave: func(ctx context.Context) {
				require.NoError(t, inner.Delete(ctx, "m-1"))
			}}
			res, err := New(repo, reg, zerolog.Nop(), 10).MigrateWorkspace(ctx, "ws")
			require.NoError(t, err)
			assert.Equal(t, 0, res.Migrated)

			got, err := inner.Get(ctx, "m-1")
			require.NoError(t, err)
			assert.Nil(t, got, "a deleted resource is not resurrected")
		})
	}
}
