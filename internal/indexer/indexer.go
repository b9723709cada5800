// Package indexer keeps an in-memory inverted index of resource text current
// by reacting to repository events.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/repository"
	"github.com/p-blackswan/resource-kernel/internal/search"
)

// DefaultPageSize bounds each repository page read by Rebuild.
const DefaultPageSize = 200

// document is what the index remembers about one resource.
type document struct {
	workspaceID string
	updatedAt   int64
	counts      map[string]int
}

// postings maps token -> resource id -> occurrences, per workspace.
type postings map[string]map[string]int

// Hit is one ranked search result.
type Hit struct {
	Resource *models.Resource
	Score    int
}

// Indexer is safe for concurrent use. Searches see either the old or the new
// entry for a resource, never a partially written one.
type Indexer struct {
	mu         sync.RWMutex
	docs       map[string]document
	workspaces map[string]postings

	repo     repository.Repository
	ext      *search.Extractor
	logger   zerolog.Logger
	pageSize int

	bus *event.Bus
	sub *event.Subscription

	// sweeps are the running Rebuilds; each collects the ids written
	// through Index or Remove after it started reading.
	sweeps map[*sweep]struct{}
}

type sweep struct {
	touched map[string]struct{}
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithExtractor sets the payload fields that are tokenized.
func WithExtractor(e *search.Extractor) Option {
	return func(ix *Indexer) { ix.ext = e }
}

// WithPageSize bounds the pages read during Rebuild.
func WithPageSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.pageSize = n
		}
	}
}

// New creates an empty index over repo. Call Attach to keep it current.
func New(repo repository.Repository, logger zerolog.Logger, opts ...Option) *Indexer {
	ix := &Indexer{
		docs:       make(map[string]document),
		workspaces: make(map[string]postings),
		sweeps:     make(map[*sweep]struct{}),
		repo:       repo,
		ext:        search.NewExtractor(),
		logger:     logger.With().Str("component", "indexer").Logger(),
		pageSize:   DefaultPageSize,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Attach subscribes the indexer to resource events on bus.
func (ix *Indexer) Attach(bus *event.Bus) {
	ix.bus = bus
	ix.sub = bus.Subscribe(event.EntityResource+"."+event.Wildcard, ix.handle)
}

// Detach stops reacting to events.
func (ix *Indexer) Detach() {
	if ix.bus != nil && ix.sub != nil {
		ix.bus.Unsubscribe(ix.sub)
		ix.sub = nil
	}
}

// handle re-reads the resource instead of trusting the event payload, so a
// late event can never resurrect a stale version.
func (ix *Indexer) handle(ctx context.Context, ev event.Event) error {
	switch ev.Operation {
	case event.OpDeleted:
		ix.Remove(ev.EntityID)
		return nil
	case event.OpCreated, event.OpUpdated, event.OpMigrated:
	default:
		return nil
	}

	r, err := ix.repo.Get(ctx, ev.EntityID)
	if err != nil {
		return fmt.Errorf("%w: loading %s: %v", kerrors.ErrIndexing, ev.EntityID, err)
	}
	if r == nil {
		ix.Remove(ev.EntityID)
		return fmt.Errorf("%w: resource %s vanished before indexing", kerrors.ErrIndexing, ev.EntityID)
	}
	ix.Index(r)
	return nil
}

// Index replaces any prior entry for r.
func (ix *Indexer) Index(r *models.Resource) {
	if r == nil || r.ID == "" {
		return
	}
	doc := document{
		workspaceID: r.WorkspaceID,
		updatedAt:   r.UpdatedAt,
		counts:      search.Counts(ix.ext.Tokens(r.Payload)),
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.touchLocked(r.ID)
	ix.removeLocked(r.ID)
	ix.addLocked(r.ID, doc)
}

// Remove purges every entry for id. Unknown ids are ignored.
func (ix *Indexer) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.touchLocked(id)
	ix.removeLocked(id)
}

func (ix *Indexer) touchLocked(id string) {
	for sw := range ix.sweeps {
		sw.touched[id] = struct{}{}
	}
}

func (ix *Indexer) addLocked(id string, doc document) {
	ix.docs[id] = doc
	ws, ok := ix.workspaces[doc.workspaceID]
	if !ok {
		ws = make(postings)
		ix.workspaces[doc.workspaceID] = ws
	}
	for tok, n := range doc.counts {
		ids, ok := ws[tok]
		if !ok {
			ids = make(map[string]int)
			ws[tok] = ids
		}
		ids[id] = n
	}
}

func (ix *Indexer) removeLocked(id string) {
	doc, ok := ix.docs[id]
	if !ok {
		return
	}
	delete(ix.docs, id)
	ws := ix.workspaces[doc.workspaceID]
	for tok := range doc.counts {
		delete(ws[tok], id)
		if len(ws[tok]) == 0 {
			delete(ws, tok)
		}
	}
	if len(ws) == 0 {
		delete(ix.workspaces, doc.workspaceID)
	}
}

type scored struct {
	id        string
	score     int
	updatedAt int64
}

// rank scores every resource in the workspace matching at least one query
// token, ordered by score desc, updatedAt desc, id asc.
func (ix *Indexer) rank(workspaceID, query string) []scored {
	tokens := search.QueryTokens(query)
	if len(tokens) == 0 {
		return nil
	}

	ix.mu.RLock()
	ws := ix.workspaces[workspaceID]
	scores := make(map[string]int)
	for _, tok := range tokens {
		for id, n := range ws[tok] {
			scores[id] += n
		}
	}
	out := make([]scored, 0, len(scores))
	for id, score := range scores {
		out = append(out, scored{id: id, score: score, updatedAt: ix.docs[id].updatedAt})
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.updatedAt != b.updatedAt {
			return a.updatedAt > b.updatedAt
		}
		return a.id < b.id
	})
	return out
}

// SearchHits returns ranked hits with scores. Hits are re-read from the
// repository; ids that no longer exist are dropped from the index.
func (ix *Indexer) SearchHits(ctx context.Context, workspaceID, query string) ([]Hit, error) {
	ranked := ix.rank(workspaceID, query)
	hits := make([]Hit, 0, len(ranked))
	for _, s := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := ix.repo.Get(ctx, s.id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			ix.logger.Warn().Str("entity_id", s.id).Msg("dropping stale index entry")
			ix.Remove(s.id)
			continue
		}
		hits = append(hits, Hit{Resource: r, Score: s.score})
	}
	return hits, nil
}

// Search returns the workspace's resources matching query, best first.
func (ix *Indexer) Search(ctx context.Context, workspaceID, query string) ([]*models.Resource, error) {
	hits, err := ix.SearchHits(ctx, workspaceID, query)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Resource, len(hits))
	for i, h := range hits {
		out[i] = h.Resource
	}
	return out, nil
}

// Size returns the number of indexed resources.
func (ix *Indexer) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Count returns the number of indexed resources in one workspace.
func (ix *Indexer) Count(workspaceID string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.countLocked(workspaceID)
}

func (ix *Indexer) countLocked(workspaceID string) int {
	n := 0
	for _, doc := range ix.docs {
		if doc.workspaceID == workspaceID {
			n++
		}
	}
	return n
}

// Workspaces lists the workspaces with at least one indexed token.
func (ix *Indexer) Workspaces() []string {
	ix.mu.RLock()
	out := make([]string, 0, len(ix.workspaces))
	for ws := range ix.workspaces {
		out = append(out, ws)
	}
	ix.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Rebuild replaces the workspace's entries with a fresh sweep of the
// repository. The swap is atomic for readers. Ids indexed or removed by
// events while the sweep was reading keep their live entry, since the sweep
// may have seen an older state.
func (ix *Indexer) Rebuild(ctx context.Context, workspaceID string) (int, error) {
	sw := &sweep{touched: make(map[string]struct{})}
	ix.mu.Lock()
	ix.sweeps[sw] = struct{}{}
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		delete(ix.sweeps, sw)
		ix.mu.Unlock()
	}()

	fresh := make(map[string]document)
	opts := repository.ListOptions{Limit: ix.pageSize, Sort: &repository.Sort{Field: "id"}}
	for {
		page, err := ix.repo.List(ctx, workspaceID, opts)
		if err != nil {
			return 0, fmt.Errorf("rebuilding index for %s: %w", workspaceID, err)
		}
		for _, r := range page.Data {
			fresh[r.ID] = document{
				workspaceID: r.WorkspaceID,
				updatedAt:   r.UpdatedAt,
				counts:      search.Counts(ix.ext.Tokens(r.Payload)),
			}
		}
		if !page.HasMore() {
			break
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		opts.Cursor = page.NextCursor
	}

	ix.mu.Lock()
	for id, doc := range ix.docs {
		if _, live := sw.touched[id]; live {
			continue
		}
		if doc.workspaceID == workspaceID {
			ix.removeLocked(id)
		}
	}
	for id, doc := range fresh {
		if _, live := sw.touched[id]; live {
			continue
		}
		ix.addLocked(id, doc)
	}
	indexed := ix.countLocked(workspaceID)
	ix.mu.Unlock()

	ix.logger.Info().
		Str("workspace_id", workspaceID).
		Int("resources", indexed).
		Int("written_during_sweep", len(sw.touched)).
		Msg("index rebuilt")
	return indexed, nil
}
