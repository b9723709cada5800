package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
)

// Memory is the in-memory backend. Every call holds the mutex for its whole
// mutation, so saves to the same id are serialized.
type Memory struct {
	mu        sync.RWMutex
	items     map[string]*models.Resource
	validator Validator
	bus       *event.Bus
	settings  Settings
	logger    zerolog.Logger
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository. bus may be nil.
func NewMemory(v Validator, bus *event.Bus, logger zerolog.Logger, opts ...Option) *Memory {
	return &Memory{
		items:     make(map[string]*models.Resource),
		validator: v,
		bus:       bus,
		settings:  ApplyOptions(opts),
		logger:    logger.With().Str("component", "memory_repository").Logger(),
	}
}

// Save upserts r and publishes created, updated or migrated.
func (m *Memory) Save(ctx context.Context, r *models.Resource, opts ...SaveOption) (*models.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := r.Clone()
	if in != nil {
		AssignID(in)
	}

	m.mu.Lock()
	var existing *models.Resource
	if in != nil {
		existing = m.items[in.ID]
	}
	saved, op, err := Prepare(existing, in, m.validator, ResolveSaveOptions(opts), m.settings.Now())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.items[saved.ID] = saved
	m.mu.Unlock()

	m.logger.Debug().Str("id", saved.ID).Str("op", string(op)).Int("version", saved.Version).Msg("resource saved")
	Publish(ctx, m.bus, op, saved)
	return saved.Clone(), nil
}

// Get returns a copy of the resource, or nil when absent.
func (m *Memory) Get(ctx context.Context, id string) (*models.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[id].Clone(), nil
}

// Delete removes the resource. Missing ids are a no-op and publish nothing.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	existing, ok := m.items[id]
	delete(m.items, id)
	m.mu.Unlock()

	if ok {
		Publish(ctx, m.bus, event.OpDeleted, existing)
	}
	return nil
}

// List runs the query over a snapshot of the workspace.
func (m *Memory) List(ctx context.Context, workspaceID string, opts ListOptions) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	snapshot := make([]*models.Resource, 0, len(m.items))
	for _, r := range m.items {
		if r.WorkspaceID == workspaceID {
			snapshot = append(snapshot, r)
		}
	}
	m.mu.RUnlock()

	// Stored records are replaced, never mutated, so the snapshot stays consistent.
	return Run(snapshot, workspaceID, opts, m.settings.Extractor)
}

// Len returns the number of stored resources across all workspaces.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Workspaces lists every workspace holding at least one resource.
func (m *Memory) Workspaces(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for _, r := range m.items {
		seen[r.WorkspaceID] = struct{}{}
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for ws := range seen {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out, ctx.Err()
}

// Publish emits a resource event carrying a copy of r. A nil bus is a no-op.
func Publish(ctx context.Context, bus *event.Bus, op event.Operation, r *models.Resource) {
	if bus == nil {
		return
	}
	ev := event.NewEvent(event.EntityResource, op, r.ID, r.Clone()).InWorkspace(r.WorkspaceID)
	bus.Publish(ctx, ev)
}
