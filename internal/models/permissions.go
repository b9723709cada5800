package models

import "time"

// Action is a capability checked by the access policy.
type Action string

const (
	ActionResourceCreate Action = "resource:create"
	ActionResourceUpdate Action = "resource:update"
	ActionResourceDelete Action = "resource:delete"
	ActionMigrationRun   Action = "migration:run"
	ActionExportRun      Action = "export:run"
	ActionToolExecute    Action = "tool:execute"
)

// Actions lists every known action.
var Actions = []Action{
	ActionResourceCreate,
	ActionResourceUpdate,
	ActionResourceDelete,
	ActionMigrationRun,
	ActionExportRun,
	ActionToolExecute,
}

// Role is a caller's standing within a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleReader Role = "reader"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleReader:
		return true
	}
	return false
}

// AuditEntry records an access decision.
type AuditEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      Action    `json:"action"`
	Role        Role      `json:"role,omitempty"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Result      string    `json:"result"`
}
