// Package registry maps resource types to their payload validator, current
// schema version and migration function.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
)

// ValidateFunc checks a payload and returns it, possibly normalised.
type ValidateFunc func(payload json.RawMessage) (json.RawMessage, error)

// MigrateFunc upgrades a payload from any older schema version directly to
// the current one.
type MigrateFunc func(payload json.RawMessage, fromVersion int) (json.RawMessage, error)

// Descriptor describes one resource type.
type Descriptor struct {
	Type          string
	SchemaVersion int
	Validate      ValidateFunc
	Migrate       MigrateFunc
}

// Registry holds descriptors. Construct one per store lifecycle.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]Descriptor)}
}

// Register adds a descriptor. It fails if the type is already registered.
func (r *Registry) Register(d Descriptor) error {
	if d.Type == "" {
		return kerrors.NewValidationError("", "type", "descriptor type is required")
	}
	if d.SchemaVersion < 1 {
		d.SchemaVersion = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[d.Type]; ok {
		return fmt.Errorf("%w: %q", kerrors.ErrTypeExists, d.Type)
	}
	r.types[d.Type] = d
	return nil
}

// RegisterAll registers each descriptor, stopping at the first failure.
func (r *Registry) RegisterAll(ds []Descriptor) error {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the descriptor for typ.
func (r *Registry) Lookup(typ string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[typ]
	return d, ok
}

// CurrentVersion returns the target schema version for typ.
func (r *Registry) CurrentVersion(typ string) (int, error) {
	d, ok := r.Lookup(typ)
	if !ok {
		return 0, kerrors.UnknownType(typ)
	}
	return d.SchemaVersion, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Validate checks payload against the rules of typ.
func (r *Registry) Validate(typ string, payload json.RawMessage) (json.RawMessage, error) {
	d, ok := r.Lookup(typ)
	if !ok {
		return nil, kerrors.UnknownType(typ)
	}
	payload = normalize(payload)
	if !gjson.ValidBytes(payload) {
		return nil, kerrors.NewValidationError(typ, "payload", "payload is not valid JSON")
	}
	if d.Validate == nil {
		return payload, nil
	}
	out, err := d.Validate(payload)
	if err != nil {
		return nil, asValidation(typ, err)
	}
	if out == nil {
		out = payload
	}
	return out, nil
}

// ValidateAt validates a payload stored at schemaVersion. Payloads older than
// the current version only need to be well-formed JSON; type rules apply once
// migration has brought them up to date. A version above current is rejected.
func (r *Registry) ValidateAt(typ string, payload json.RawMessage, schemaVersion int) (json.RawMessage, error) {
	d, ok := r.Lookup(typ)
	if !ok {
		return nil, kerrors.UnknownType(typ)
	}
	switch {
	case schemaVersion > d.SchemaVersion:
		return nil, kerrors.NewValidationError(typ, "schemaVersion",
			fmt.Sprintf("schema version %d is ahead of current version %d", schemaVersion, d.SchemaVersion))
	case schemaVersion > 0 && schemaVersion < d.SchemaVersion:
		payload = normalize(payload)
		if !gjson.ValidBytes(payload) {
			return nil, kerrors.NewValidationError(typ, "payload", "payload is not valid JSON")
		}
		return payload, nil
	}
	return r.Validate(typ, payload)
}

// Migrate upgrades payload from fromVersion to the current version of typ.
// It returns payload unchanged when it is already current.
func (r *Registry) Migrate(typ string, payload json.RawMessage, fromVersion int) (json.RawMessage, error) {
	d, ok := r.Lookup(typ)
	if !ok {
		return nil, kerrors.UnknownType(typ)
	}
	if fromVersion >= d.SchemaVersion || d.Migrate == nil {
		return payload, nil
	}
	out, err := d.Migrate(normalize(payload), fromVersion)
	if err != nil {
		return nil, fmt.Errorf("migrate %q from v%d to v%d: %w", typ, fromVersion, d.SchemaVersion, err)
	}
	return out, nil
}

func normalize(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 || string(payload) == "null" {
		return json.RawMessage(`{}`)
	}
	return payload
}

func asValidation(typ string, err error) error {
	if kerrors.IsValidation(err) {
		return err
	}
	return kerrors.NewValidationError(typ, "payload", err.Error())
}
