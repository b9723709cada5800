// Package event implements the in-process domain event bus.
// Repository writes, migrations and access decisions flow as Events.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Operation names what happened to an entity.
type Operation string

const (
	OpCreated  Operation = "created"
	OpUpdated  Operation = "updated"
	OpDeleted  Operation = "deleted"
	OpMigrated Operation = "migrated"
	OpExecuted Operation = "executed"
	OpDenied   Operation = "denied"
)

// Entity types for well-known publishers.
const (
	EntityResource = "resource"
	EntityAccess   = "access"
)

// Wildcard subscribes to every event.
const Wildcard = "*"

// Event is a single domain event. Payload is publisher specific.
type Event struct {
	ID          string    `json:"id"`
	EntityType  string    `json:"entity_type"`
	Operation   Operation `json:"operation"`
	EntityID    string    `json:"entity_id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Timestamp   int64     `json:"timestamp"` // unix ms
	Payload     any       `json:"payload,omitempty"`
}

// Topic is the routing key: "<entityType>.<operation>".
func (e Event) Topic() string {
	return e.EntityType + "." + string(e.Operation)
}

// NewEvent constructs an Event with a generated ID and current timestamp.
func NewEvent(entityType string, op Operation, entityID string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Operation:  op,
		EntityID:   entityID,
		Timestamp:  time.Now().UnixMilli(),
		Payload:    payload,
	}
}

// InWorkspace returns a copy of e scoped to the workspace.
func (e Event) InWorkspace(workspaceID string) Event {
	e.WorkspaceID = workspaceID
	return e
}
