// Package repotest is a contract suite every repository backend must pass.
package repotest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/registry"
	"github.com/p-blackswan/resource-kernel/internal/repository"
)

// Factory builds a fresh, empty backend for one test.
type Factory func(t *testing.T, v repository.Validator, bus *event.Bus, opts ...repository.Option) repository.Repository

// Registry returns the registry the suite runs against: "note" requires
// non-empty text, "measurement" is at schema version 2.
func Registry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.Register(registry.Descriptor{
		Type:          "note",
		SchemaVersion: 1,
		Validate: func(p json.RawMessage) (json.RawMessage, error) {
			var body struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(p, &body); err != nil {
				return nil, err
			}
			if body.Text == "" {
				return nil, kerrors.NewValidationError("note", "payload.text", "must not be empty")
			}
			return p, nil
		},
	}))
	require.NoError(t, r.Register(registry.Descriptor{Type: "measurement", SchemaVersion: 2}))
	return r
}

// Note builds a note resource in the workspace.
func Note(ws, id, text string) *models.Resource {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return &models.Resource{ID: id, Type: "note", WorkspaceID: ws, Payload: payload}
}

// Ticker is a clock that advances one millisecond per call.
func Ticker(start int64) func() int64 {
	var n atomic.Int64
	n.Store(start)
	return func() int64 { return n.Add(1) }
}

// Run executes the contract suite.
func Run(t *testing.T, newRepo Factory) {
	ctx := context.Background()

	t.Run("VersionCountsSaves", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		r := Note("ws", "n-1", "first")
		for i := 1; i <= 5; i++ {
			saved, err := repo.Save(ctx, r)
			require.NoError(t, err)
			assert.Equal(t, i, saved.Version)
			assert.Equal(t, 1, saved.SchemaVersion)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		in := Note("ws", "n-1", "hello")
		in.Origin = models.OriginTool
		in.Metadata = map[string]any{"source": "import"}
		in.Attachments = []models.Attachment{{ID: "a1", MimeType: "image/png", Size: 42, StorageKey: "blob/a1"}}
		in.CreatedAt = 1000

		saved, err := repo.Save(ctx, in)
		require.NoError(t, err)
		got, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		require.NotNil(t, got)

		assert.Equal(t, saved, got)
		assert.Equal(t, in.ID, got.ID)
		assert.Equal(t, in.Type, got.Type)
		assert.Equal(t, in.WorkspaceID, got.WorkspaceID)
		assert.Equal(t, in.Origin, got.Origin)
		assert.Equal(t, in.Metadata, got.Metadata)
		assert.Equal(t, in.Attachments, got.Attachments)
		assert.Equal(t, int64(1000), got.CreatedAt)
		assert.JSONEq(t, string(in.Payload), string(got.Payload))
		assert.GreaterOrEqual(t, got.UpdatedAt, got.CreatedAt)
	})

	t.Run("AssignsID", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		saved, err := repo.Save(ctx, Note("ws", "", "anonymous"))
		require.NoError(t, err)
		assert.NotEmpty(t, saved.ID)
	})

	t.Run("UpdatePreservesCreatedAtAndSchemaVersion", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil, repository.WithClock(Ticker(100)))
		m := &models.Resource{ID: "m-1", Type: "measurement", WorkspaceID: "ws", SchemaVersion: 1, Payload: json.RawMessage(`{"value":1}`)}
		first, err := repo.Save(ctx, m)
		require.NoError(t, err)

		m.SchemaVersion = 2
		second, err := repo.Save(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
		assert.Greater(t, second.UpdatedAt, first.UpdatedAt)
		assert.Equal(t, 1, second.SchemaVersion, "ordinary edits never advance the schema version")
		assert.Equal(t, 2, second.Version)
	})

	t.Run("MigrationSaveKeepsVersion", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		m := &models.Resource{ID: "m-1", Type: "measurement", WorkspaceID: "ws", SchemaVersion: 1, Payload: json.RawMessage(`{"value":1}`)}
		_, err := repo.Save(ctx, m)
		require.NoError(t, err)
		_, err = repo.Save(ctx, m)
		require.NoError(t, err)

		m.SchemaVersion = 2
		m.Payload = json.RawMessage(`{"value":1,"unit":"kg"}`)
		migrated, err := repo.Save(ctx, m, repository.AsMigration())
		require.NoError(t, err)
		assert.Equal(t, 2, migrated.Version)
		assert.Equal(t, 2, migrated.SchemaVersion)

		_, err = repo.Save(ctx, Note("ws", "missing", "x"), repository.AsMigration())
		assert.ErrorIs(t, err, kerrors.ErrNotFound)
	})

	t.Run("ConditionalSaveDetectsConflict", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		m := &models.Resource{ID: "m-1", Type: "measurement", WorkspaceID: "ws", SchemaVersion: 1, Payload: json.RawMessage(`{"value":1}`)}
		first, err := repo.Save(ctx, m)
		require.NoError(t, err)
		read := repository.RevisionOf(first)

		edit := first.Clone()
		edit.Payload = json.RawMessage(`{"value":99}`)
		_, err = repo.Save(ctx, edit)
		require.NoError(t, err)

		stale := first.Clone()
		stale.SchemaVersion = 2
		stale.Payload = json.RawMessage(`{"value":1,"unit":"kg"}`)
		_, err = repo.Save(ctx, stale, repository.AsMigration(), repository.IfRevision(read))
		assert.ErrorIs(t, err, kerrors.ErrConflict)

		got, err := repo.Get(ctx, "m-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":99}`, string(got.Payload))
		assert.Equal(t, 1, got.SchemaVersion)

		// A migration leaves version alone, so an edit computed before it
		// is still caught by the schema version.
		upgraded := got.Clone()
		upgraded.SchemaVersion = 2
		upgraded.Payload = json.RawMessage(`{"value":99,"unit":"kg"}`)
		_, err = repo.Save(ctx, upgraded, repository.AsMigration(), repository.IfRevision(repository.RevisionOf(got)))
		require.NoError(t, err)

		staleEdit := got.Clone()
		staleEdit.Payload = json.RawMessage(`{"value":100}`)
		_, err = repo.Save(ctx, staleEdit, repository.IfRevision(repository.RevisionOf(got)))
		assert.ErrorIs(t, err, kerrors.ErrConflict)

		final, err := repo.Get(ctx, "m-1")
		require.NoError(t, err)
		assert.Equal(t, 2, final.Version)
		assert.Equal(t, 2, final.SchemaVersion)
		assert.JSONEq(t, `{"value":99,"unit":"kg"}`, string(final.Payload))

		_, err = repo.Save(ctx, Note("ws", "absent", "x"), repository.IfRevision(repository.Revision{Version: 1, SchemaVersion: 1}))
		assert.ErrorIs(t, err, kerrors.ErrNotFound)
	})

	t.Run("ValidationFailureStoresNothing", func(t *testing.T) {
		bus := event.New(zerolog.Nop())
		published := 0
		bus.Subscribe(event.Wildcard, func(ctx context.Context, ev event.Event) error {
			published++
			return nil
		})
		repo := newRepo(t, Registry(t), bus)

		_, err := repo.Save(ctx, Note("ws", "bad", ""))
		assert.ErrorIs(t, err, kerrors.ErrValidation)
		got, err := repo.Get(ctx, "bad")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, 0, published)

		_, err = repo.Save(ctx, &models.Resource{ID: "x", Type: "ghost", WorkspaceID: "ws"})
		assert.ErrorIs(t, err, kerrors.ErrUnknownType)

		_, err = repo.Save(ctx, &models.Resource{ID: "x", Type: "note"})
		assert.ErrorIs(t, err, kerrors.ErrValidation)

		_, err = repo.Save(ctx, &models.Resource{ID: "x", Type: "measurement", WorkspaceID: "ws", SchemaVersion: 3})
		assert.ErrorIs(t, err, kerrors.ErrValidation)
	})

	t.Run("ImmutableWorkspaceAndType", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		_, err := repo.Save(ctx, Note("ws-a", "n-1", "x"))
		require.NoError(t, err)

		_, err = repo.Save(ctx, Note("ws-b", "n-1", "x"))
		assert.ErrorIs(t, err, kerrors.ErrValidation)

		_, err = repo.Save(ctx, &models.Resource{ID: "n-1", Type: "measurement", WorkspaceID: "ws-a"})
		assert.ErrorIs(t, err, kerrors.ErrValidation)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		bus := event.New(zerolog.Nop())
		var ops []event.Operation
		bus.Subscribe("resource.*", func(ctx context.Context, ev event.Event) error {
			ops = append(ops, ev.Operation)
			return nil
		})
		repo := newRepo(t, Registry(t), bus)

		_, err := repo.Save(ctx, Note("ws", "n-1", "x"))
		require.NoError(t, err)
		require.NoError(t, repo.Delete(ctx, "n-1"))
		require.NoError(t, repo.Delete(ctx, "n-1"))
		require.NoError(t, repo.Delete(ctx, "never-existed"))

		got, err := repo.Get(ctx, "n-1")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.Equal(t, []event.Operation{event.OpCreated, event.OpDeleted}, ops)
	})

	t.Run("PublishesEvents", func(t *testing.T) {
		bus := event.New(zerolog.Nop())
		var got []event.Event
		bus.Subscribe(event.Wildcard, func(ctx context.Context, ev event.Event) error {
			got = append(got, ev)
			return nil
		})
		repo := newRepo(t, Registry(t), bus)

		_, err := repo.Save(ctx, Note("ws", "n-1", "x"))
		require.NoError(t, err)
		_, err = repo.Save(ctx, Note("ws", "n-1", "y"))
		require.NoError(t, err)

		require.Len(t, got, 2)
		assert.Equal(t, "resource.created", got[0].Topic())
		assert.Equal(t, "resource.updated", got[1].Topic())
		assert.Equal(t, "n-1", got[1].EntityID)
		assert.Equal(t, "ws", got[1].WorkspaceID)
		payload, ok := got[1].Payload.(*models.Resource)
		require.True(t, ok)
		assert.Equal(t, 2, payload.Version)
	})

	t.Run("ConcurrentSavesNeverLoseIncrements", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		_, err := repo.Save(ctx, Note("ws", "hot", "seed"))
		require.NoError(t, err)

		const writers = 16
		versions := make([]int, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				saved, err := repo.Save(ctx, Note("ws", "hot", fmt.Sprintf("edit %d", i)))
				if assert.NoError(t, err) {
					versions[i] = saved.Version
				}
			}(i)
		}
		wg.Wait()

		sort.Ints(versions)
		for i, v := range versions {
			assert.Equal(t, i+2, v)
		}
		final, err := repo.Get(ctx, "hot")
		require.NoError(t, err)
		assert.Equal(t, writers+1, final.Version)
	})

	t.Run("PaginationIsComplete", func(t *testing.T) {
		// A frozen clock forces every updatedAt to tie so the id tie-break carries the order.
		repo := newRepo(t, Registry(t), nil, repository.WithClock(func() int64 { return 5000 }))
		for i := 0; i < 23; i++ {
			_, err := repo.Save(ctx, Note("ws", fmt.Sprintf("n-%02d", i), "page me"))
			require.NoError(t, err)
		}
		_, err := repo.Save(ctx, Note("other", "elsewhere", "page me"))
		require.NoError(t, err)

		all, err := repo.List(ctx, "ws", repository.ListOptions{Limit: 1 << 20})
		require.NoError(t, err)
		assert.Equal(t, 23, all.Total)
		assert.False(t, all.HasMore())

		var paged []string
		cursor := ""
		pages := 0
		for {
			page, err := repo.List(ctx, "ws", repository.ListOptions{Limit: 5, Cursor: cursor})
			require.NoError(t, err)
			assert.Equal(t, 23, page.Total)
			for _, r := range page.Data {
				paged = append(paged, r.ID)
			}
			pages++
			if !page.HasMore() {
				break
			}
			cursor = page.NextCursor
		}
		assert.Equal(t, 5, pages)
		assert.Equal(t, ids(all.Data), paged)
	})

	t.Run("PaginationStableUnderInsertAndDelete", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil, repository.WithClock(Ticker(0)))
		for i := 0; i < 10; i++ {
			_, err := repo.Save(ctx, Note("ws", fmt.Sprintf("n-%02d", i), "x"))
			require.NoError(t, err)
		}
		first, err := repo.List(ctx, "ws", repository.ListOptions{Limit: 4})
		require.NoError(t, err)
		require.True(t, first.HasMore())

		// A newer insert sorts before the cursor; deleting the cursor item must not break paging.
		_, err = repo.Save(ctx, Note("ws", "late", "x"))
		require.NoError(t, err)
		require.NoError(t, repo.Delete(ctx, first.Data[3].ID))

		seen := map[string]bool{}
		for _, r := range first.Data {
			seen[r.ID] = true
		}
		cursor := first.NextCursor
		for cursor != "" {
			page, err := repo.List(ctx, "ws", repository.ListOptions{Limit: 4, Cursor: cursor})
			require.NoError(t, err)
			for _, r := range page.Data {
				assert.False(t, seen[r.ID], "duplicate %s", r.ID)
				seen[r.ID] = true
			}
			cursor = page.NextCursor
		}
		assert.Len(t, seen, 10)
		assert.False(t, seen["late"])
	})

	t.Run("DefaultOrderIsUpdatedAtDesc", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil, repository.WithClock(Ticker(0)))
		for _, id := range []string{"a", "b", "c"} {
			_, err := repo.Save(ctx, Note("ws", id, "x"))
			require.NoError(t, err)
		}
		_, err := repo.Save(ctx, Note("ws", "a", "touched"))
		require.NoError(t, err)

		page, err := repo.List(ctx, "ws", repository.ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c", "b"}, ids(page.Data))
	})

	t.Run("FullTextRanking", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil, repository.WithClock(Ticker(0)))
		for _, r := range []*models.Resource{
			Note("ws", "r-ab", "alpha beta beta"),
			Note("ws", "r-b", "beta"),
			Note("ws", "r-g", "gamma"),
		} {
			_, err := repo.Save(ctx, r)
			require.NoError(t, err)
		}

		page, err := repo.List(ctx, "ws", repository.ListOptions{FullText: "beta"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r-ab", "r-b"}, ids(page.Data))
		assert.Equal(t, 2, page.Total)
		assert.Greater(t, page.Scores["r-ab"], page.Scores["r-b"])
		assert.NotContains(t, page.Scores, "r-g")

		page, err = repo.List(ctx, "ws", repository.ListOptions{FullText: "BETA gamma"})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, "r-ab", page.Data[0].ID)

		page, err = repo.List(ctx, "ws", repository.ListOptions{FullText: "delta"})
		require.NoError(t, err)
		assert.Empty(t, page.Data)
	})

	t.Run("FullTextTiesBreakByUpdatedAt", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil, repository.WithClock(Ticker(0)))
		for _, id := range []string{"old", "new"} {
			_, err := repo.Save(ctx, Note("ws", id, "same words"))
			require.NoError(t, err)
		}
		page, err := repo.List(ctx, "ws", repository.ListOptions{FullText: "words"})
		require.NoError(t, err)
		assert.Equal(t, []string{"new", "old"}, ids(page.Data))
	})

	t.Run("FullTextPagination", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil, repository.WithClock(Ticker(0)))
		for i := 0; i < 7; i++ {
			text := "hit"
			for j := 0; j < i%3; j++ {
				text += " hit"
			}
			_, err := repo.Save(ctx, Note("ws", fmt.Sprintf("n-%d", i), text))
			require.NoError(t, err)
		}
		all, err := repo.List(ctx, "ws", repository.ListOptions{FullText: "hit", Limit: 100})
		require.NoError(t, err)

		var paged []string
		cursor := ""
		for {
			page, err := repo.List(ctx, "ws", repository.ListOptions{FullText: "hit", Limit: 3, Cursor: cursor})
			require.NoError(t, err)
			paged = append(paged, ids(page.Data)...)
			if !page.HasMore() {
				break
			}
			cursor = page.NextCursor
		}
		assert.Equal(t, ids(all.Data), paged)
	})

	t.Run("FiltersAndTypes", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		withTags := Note("ws", "tagged", "x")
		withTags.Payload = json.RawMessage(`{"text":"x","tags":["Urgent","ops"]}`)
		withTags.Metadata = map[string]any{"source": "mail-import"}
		for _, r := range []*models.Resource{
			withTags,
			Note("ws", "plain", "y"),
			{ID: "m", Type: "measurement", WorkspaceID: "ws", Payload: json.RawMessage(`{"value":7}`)},
		} {
			_, err := repo.Save(ctx, r)
			require.NoError(t, err)
		}

		page, err := repo.List(ctx, "ws", repository.ListOptions{Filters: []repository.Filter{
			{Path: "payload.tags", Op: repository.OpContains, Value: "Urgent"},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"tagged"}, ids(page.Data))

		page, err = repo.List(ctx, "ws", repository.ListOptions{Filters: []repository.Filter{
			{Path: "payload.tags", Op: repository.OpContains, Value: "urgent"},
		}})
		require.NoError(t, err)
		assert.Empty(t, page.Data, "contains is case-sensitive")

		page, err = repo.List(ctx, "ws", repository.ListOptions{Filters: []repository.Filter{
			{Path: "metadata.source", Op: repository.OpPrefix, Value: "mail"},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"tagged"}, ids(page.Data))

		page, err = repo.List(ctx, "ws", repository.ListOptions{Filters: []repository.Filter{
			{Path: "payload.value", Op: repository.OpGt, Value: 5.0},
		}})
		require.NoError(t, err)
		assert.Equal(t, []string{"m"}, ids(page.Data))

		page, err = repo.List(ctx, "ws", repository.ListOptions{Types: []string{"measurement"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"m"}, ids(page.Data))

		page, err = repo.List(ctx, "ws", repository.ListOptions{Types: []string{"note"}, Sort: &repository.Sort{Field: "id"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"plain", "tagged"}, ids(page.Data))

		_, err = repo.List(ctx, "ws", repository.ListOptions{Filters: []repository.Filter{{Path: "type", Op: "like"}}})
		assert.ErrorIs(t, err, kerrors.ErrValidation)
	})

	t.Run("InvalidCursor", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil)
		_, err := repo.List(ctx, "ws", repository.ListOptions{Cursor: "%%%"})
		assert.True(t, errors.Is(err, kerrors.ErrInvalidCursor))
	})

	t.Run("SortChangeBetweenPages", func(t *testing.T) {
		repo := newRepo(t, Registry(t), nil, repository.WithClock(Ticker(0)))
		for _, id := range []string{"a", "b", "c", "d"} {
			_, err := repo.Save(ctx, Note("ws", id, "x"))
			require.NoError(t, err)
		}
		first, err := repo.List(ctx, "ws", repository.ListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "c"}, ids(first.Data))

		next, err := repo.List(ctx, "ws", repository.ListOptions{Limit: 2, Cursor: first.NextCursor, Sort: &repository.Sort{Field: "id"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, ids(next.Data), "continues after the last seen id in the new order")
	})
}

func ids(rs []*models.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
