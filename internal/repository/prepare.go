package repository

import (
	"fmt"

	"github.com/google/uuid"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
)

// AssignID gives r a fresh ID when it has none.
func AssignID(r *models.Resource) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
}

// Prepare computes the record to persist for incoming, given the currently
// stored version (nil on create). Both backends call it while holding their
// per-resource critical section so the version increment is never lost and
// a conditional save sees the revision it is compared against.
func Prepare(existing, incoming *models.Resource, v Validator, mode SaveMode, now int64) (*models.Resource, event.Operation, error) {
	if incoming == nil {
		return nil, "", kerrors.NewValidationError("", "", "resource is required")
	}
	if incoming.Type == "" {
		return nil, "", kerrors.NewValidationError("", "type", "type is required")
	}
	if incoming.WorkspaceID == "" {
		return nil, "", kerrors.NewValidationError(incoming.Type, "workspaceId", "workspace is required")
	}
	if mode.Expect != nil {
		if existing == nil {
			return nil, "", fmt.Errorf("%w: %s", kerrors.ErrNotFound, incoming.ID)
		}
		if RevisionOf(existing) != *mode.Expect {
			return nil, "", kerrors.Conflict(incoming.ID,
				mode.Expect.Version, mode.Expect.SchemaVersion,
				existing.Version, existing.SchemaVersion)
		}
	}
	current, err := v.CurrentVersion(incoming.Type)
	if err != nil {
		return nil, "", err
	}

	out := incoming.Clone()
	var op event.Operation

	if existing == nil {
		if mode.Migration {
			return nil, "", fmt.Errorf("%w: %s", kerrors.ErrNotFound, incoming.ID)
		}
		op = event.OpCreated
		out.Version = 1
		if out.SchemaVersion == 0 {
			out.SchemaVersion = current
		}
		if out.CreatedAt == 0 {
			out.CreatedAt = now
		}
		out.UpdatedAt = now
		if out.UpdatedAt < out.CreatedAt {
			out.UpdatedAt = out.CreatedAt
		}
	} else {
		if existing.WorkspaceID != incoming.WorkspaceID {
			return nil, "", kerrors.NewValidationError(incoming.Type, "workspaceId", "workspace cannot change")
		}
		if existing.Type != incoming.Type {
			return nil, "", kerrors.NewValidationError(incoming.Type, "type", "type cannot change")
		}
		out.CreatedAt = existing.CreatedAt
		out.UpdatedAt = now
		if out.UpdatedAt < existing.UpdatedAt {
			out.UpdatedAt = existing.UpdatedAt
		}
		if mode.Migration {
			op = event.OpMigrated
			out.Version = existing.Version
			if out.SchemaVersion < existing.SchemaVersion {
				return nil, "", kerrors.NewValidationError(incoming.Type, "schemaVersion", "schema version cannot go backwards")
			}
		} else {
			op = event.OpUpdated
			out.Version = existing.Version + 1
			out.SchemaVersion = existing.SchemaVersion
		}
	}

	payload, err := v.ValidateAt(out.Type, out.Payload, out.SchemaVersion)
	if err != nil {
		return nil, "", err
	}
	out.Payload = payload
	return out, op, nil
}
