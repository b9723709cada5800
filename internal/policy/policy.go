// Package policy decides whether a caller may perform an action.
// Policies are consulted per call; the caller's role and workspace travel in
// the context.
package policy

import (
	"context"

	"github.com/p-blackswan/resource-kernel/internal/models"
)

// Policy answers whether the caller in ctx may perform action.
type Policy interface {
	Can(ctx context.Context, action models.Action) bool
}

// AllowAll permits everything.
type AllowAll struct{}

// Can always returns true.
func (AllowAll) Can(context.Context, models.Action) bool { return true }

// DenyAll permits nothing.
type DenyAll struct{}

// Can always returns false.
func (DenyAll) Can(context.Context, models.Action) bool { return false }

// Permissions is the fixed action -> roles table used by RoleBased.
var Permissions = map[models.Action][]models.Role{
	models.ActionResourceCreate: {models.RoleOwner, models.RoleEditor},
	models.ActionResourceUpdate: {models.RoleOwner, models.RoleEditor},
	models.ActionResourceDelete: {models.RoleOwner},
	models.ActionMigrationRun:   {models.RoleOwner},
	models.ActionExportRun:      {models.RoleOwner, models.RoleEditor},
	models.ActionToolExecute:    {models.RoleOwner, models.RoleEditor, models.RoleReader},
}

// Allowed looks role and action up in Permissions. Unknown actions are denied.
func Allowed(role models.Role, action models.Action) bool {
	for _, r := range Permissions[action] {
		if r == role {
			return true
		}
	}
	return false
}

// RoleResolver finds the caller's role. ok is false when there is none.
type RoleResolver func(ctx context.Context) (role models.Role, ok bool)

// RoleBased resolves the caller's role on every call and consults Permissions.
type RoleBased struct {
	resolve RoleResolver
}

// NewRoleBased creates a role-based policy. A nil resolver reads the role
// stored by WithRole.
func NewRoleBased(resolve RoleResolver) *RoleBased {
	if resolve == nil {
		resolve = RoleFromContext
	}
	return &RoleBased{resolve: resolve}
}

// Can denies callers without a valid role.
func (p *RoleBased) Can(ctx context.Context, action models.Action) bool {
	role, ok := p.resolve(ctx)
	if !ok || !role.Valid() {
		return false
	}
	return Allowed(role, action)
}

type ctxKey int

const (
	roleKey ctxKey = iota
	workspaceKey
)

// WithRole attaches the caller's role to ctx.
func WithRole(ctx context.Context, role models.Role) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// RoleFromContext returns the role stored by WithRole.
func RoleFromContext(ctx context.Context) (models.Role, bool) {
	role, ok := ctx.Value(roleKey).(models.Role)
	return role, ok
}

// WithWorkspace attaches the workspace a call targets, for auditing.
func WithWorkspace(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceKey, workspaceID)
}

// WorkspaceFromContext returns the workspace stored by WithWorkspace.
func WorkspaceFromContext(ctx context.Context) string {
	ws, _ := ctx.Value(workspaceKey).(string)
	return ws
}
