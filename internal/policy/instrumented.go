package policy

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
)

// Denial is the payload of an access.denied event.
type Denial struct {
	Action      models.Action `json:"action"`
	Role        models.Role   `json:"role,omitempty"`
	WorkspaceID string        `json:"workspaceId,omitempty"`
}

// DenialRecorder counts denials, typically into metrics.
type DenialRecorder interface {
	RecordAccessDenied(action string)
}

// Instrumented wraps a policy and reports every denial. It never changes
// the decision.
type Instrumented struct {
	inner    Policy
	bus      *event.Bus
	recorder DenialRecorder
	logger   zerolog.Logger
}

// Instrument decorates inner. bus and recorder may be nil.
func Instrument(inner Policy, bus *event.Bus, recorder DenialRecorder, logger zerolog.Logger) *Instrumented {
	return &Instrumented{
		inner:    inner,
		bus:      bus,
		recorder: recorder,
		logger:   logger.With().Str("component", "policy").Logger(),
	}
}

// Can delegates to the wrapped policy.
func (p *Instrumented) Can(ctx context.Context, action models.Action) bool {
	if p.inner.Can(ctx, action) {
		return true
	}

	role, _ := RoleFromContext(ctx)
	d := Denial{Action: action, Role: role, WorkspaceID: WorkspaceFromContext(ctx)}
	p.logger.Info().
		Str("action", string(action)).
		Str("role", string(role)).
		Str("workspace_id", d.WorkspaceID).
		Msg("access denied")

	if p.recorder != nil {
		p.recorder.RecordAccessDenied(string(action))
	}
	if p.bus != nil {
		ev := event.NewEvent(event.EntityAccess, event.OpDenied, string(action), d).InWorkspace(d.WorkspaceID)
		p.bus.Publish(ctx, ev)
	}
	return false
}
