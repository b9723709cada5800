package policy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
)

// DefaultAuditCapacity bounds the entries an AuditLog retains.
const DefaultAuditCapacity = 1000

// AuditLog keeps the most recent access decisions in memory.
type AuditLog struct {
	mu       sync.RWMutex
	entries  []models.AuditEntry
	capacity int
	logger   zerolog.Logger
}

// NewAuditLog creates an audit log retaining at most capacity entries.
func NewAuditLog(capacity int, logger zerolog.Logger) *AuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditLog{
		entries:  make([]models.AuditEntry, 0, capacity),
		capacity: capacity,
		logger:   logger.With().Str("component", "audit").Logger(),
	}
}

// Attach records every access.denied event published on bus.
func (a *AuditLog) Attach(bus *event.Bus) *event.Subscription {
	return bus.Subscribe(event.EntityAccess+"."+string(event.OpDenied), func(ctx context.Context, ev event.Event) error {
		entry := models.AuditEntry{
			Timestamp:   time.UnixMilli(ev.Timestamp),
			Action:      models.Action(ev.EntityID),
			WorkspaceID: ev.WorkspaceID,
			Result:      "denied",
		}
		if d, ok := ev.Payload.(Denial); ok {
			entry.Role = d.Role
		}
		a.Record(entry)
		return nil
	})
}

// Record adds an entry, dropping the oldest when full.
func (a *AuditLog) Record(entry models.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	a.mu.Lock()
	if len(a.entries) >= a.capacity {
		copy(a.entries, a.entries[1:])
		a.entries = a.entries[:len(a.entries)-1]
	}
	a.entries = append(a.entries, entry)
	a.mu.Unlock()

	a.logger.Info().
		Str("action", string(entry.Action)).
		Str("role", string(entry.Role)).
		Str("workspace_id", entry.WorkspaceID).
		Str("result", entry.Result).
		Msg("audit event")
}

// Entries returns up to limit entries, newest first, optionally filtered by workspace.
func (a *AuditLog) Entries(workspaceID string, limit int) []models.AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []models.AuditEntry
	for i := len(a.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if workspaceID == "" || a.entries[i].WorkspaceID == workspaceID {
			result = append(result, a.entries[i])
		}
	}
	return result
}

// Count returns the number of retained entries.
func (a *AuditLog) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}
