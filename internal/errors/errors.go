// Package errors provides the error taxonomy of the resource kernel.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure modes.
var (
	ErrValidation    = errors.New("validation failed")
	ErrUnknownType   = errors.New("unknown resource type")
	ErrTypeExists    = errors.New("resource type already registered")
	ErrNotFound      = errors.New("resource not found")
	ErrStorage       = errors.New("storage failure")
	ErrIndexing      = errors.New("indexing failure")
	ErrMetrics       = errors.New("metrics failure")
	ErrDenied        = errors.New("access denied")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrMigration     = errors.New("migration failed")
	ErrConflict      = errors.New("resource changed concurrently")
)

// ValidationError reports a payload or resource that fails type-specific rules.
type ValidationError struct {
	Type   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Type != "" {
		fmt.Fprintf(&b, " for type %q", e.Type)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " at %s", e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a validation error for the given type and field.
func NewValidationError(typ, field, reason string) *ValidationError {
	return &ValidationError{Type: typ, Field: field, Reason: reason}
}

// UnknownType wraps ErrUnknownType with the offending type name.
func UnknownType(typ string) error {
	return fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// Denied wraps ErrDenied with the refused action.
func Denied(action string) error {
	return fmt.Errorf("%w: %s", ErrDenied, action)
}

// Conflict wraps ErrConflict for a resource whose stored revision moved.
func Conflict(id string, wantVersion, wantSchema, gotVersion, gotSchema int) error {
	return fmt.Errorf("%w: %s expected version %d/schema %d, stored %d/%d",
		ErrConflict, id, wantVersion, wantSchema, gotVersion, gotSchema)
}

// StorageError wraps an I/O failure of the underlying engine.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError; nil stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// MigrationError identifies the resource that stopped a migration sweep.
type MigrationError struct {
	ResourceID string
	Type       string
	Err        error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migrating resource %s (type %q): %v", e.ResourceID, e.Type, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

func (e *MigrationError) Is(target error) bool { return target == ErrMigration }

// IsRetryable returns true if the error is a transient storage failure.
func IsRetryable(err error) bool {
	if err == nil || !errors.Is(err, ErrStorage) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

// IsValidation reports whether err is, or wraps, a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
