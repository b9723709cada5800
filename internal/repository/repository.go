// Package repository defines the resource store contract and the in-memory
// backend. The durable backend lives in internal/store.
package repository

import (
	"context"
	"encoding/json"

	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/search"
)

// Repository is the store of record for resources. Implementations publish
// a domain event after every successful write.
type Repository interface {
	// Save upserts by ID. The payload is validated before anything is stored.
	Save(ctx context.Context, r *models.Resource, opts ...SaveOption) (*models.Resource, error)

	// Get returns nil, nil when the resource does not exist.
	Get(ctx context.Context, id string) (*models.Resource, error)

	// Delete removes the resource. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id string) error

	// List returns one page of the workspace's resources.
	List(ctx context.Context, workspaceID string, opts ListOptions) (*Page, error)
}

// Validator is the part of the type registry a repository needs.
type Validator interface {
	ValidateAt(typ string, payload json.RawMessage, schemaVersion int) (json.RawMessage, error)
	CurrentVersion(typ string) (int, error)
}

// DefaultLimit is the page size used when ListOptions.Limit is not positive.
const DefaultLimit = 50

// ListOptions narrows and orders a listing.
type ListOptions struct {
	Limit    int      `json:"limit,omitempty"`
	Cursor   string   `json:"cursor,omitempty"`
	Types    []string `json:"types,omitempty"`
	Filters  []Filter `json:"filter,omitempty"`
	FullText string   `json:"fullText,omitempty"`
	Sort     *Sort    `json:"sort,omitempty"`
}

// Page is one slice of a listing. NextCursor is empty on the last page.
type Page struct {
	Data       []*models.Resource `json:"data"`
	Total      int                `json:"total"`
	NextCursor string             `json:"nextCursor,omitempty"`
	Scores     map[string]int     `json:"scores,omitempty"`
}

// HasMore reports whether another page follows.
func (p *Page) HasMore() bool { return p.NextCursor != "" }

// Sort orders a listing by one field; ties are always broken by id ascending.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Revision identifies the stored state a write was computed from.
type Revision struct {
	Version       int
	SchemaVersion int
}

// RevisionOf returns r's current revision.
func RevisionOf(r *models.Resource) Revision {
	return Revision{Version: r.Version, SchemaVersion: r.SchemaVersion}
}

// SaveMode is the effective result of a set of SaveOptions.
type SaveMode struct {
	Migration bool
	// Expect, when set, makes Save fail with ErrConflict unless the stored
	// resource is still at this revision.
	Expect *Revision
}

// SaveOption adjusts how Save treats an existing resource.
type SaveOption func(*SaveMode)

// AsMigration saves a schema upgrade: version is left untouched and the
// incoming schemaVersion replaces the stored one.
func AsMigration() SaveOption {
	return func(o *SaveMode) { o.Migration = true }
}

// IfRevision makes the save conditional on the stored resource still being
// at rev. A migration does not change Version, so both fields are compared.
func IfRevision(rev Revision) SaveOption {
	return func(o *SaveMode) { o.Expect = &rev }
}

// ResolveSaveOptions folds opts into their effective values.
func ResolveSaveOptions(opts []SaveOption) SaveMode {
	var mode SaveMode
	for _, opt := range opts {
		opt(&mode)
	}
	return mode
}

// Settings are the backend knobs shared by both implementations.
type Settings struct {
	Extractor *search.Extractor
	Now       func() int64
}

// Option configures a backend.
type Option func(*Settings)

// WithExtractor sets the payload fields used for full-text search.
func WithExtractor(e *search.Extractor) Option {
	return func(s *Settings) { s.Extractor = e }
}

// WithClock overrides the millisecond clock.
func WithClock(now func() int64) Option {
	return func(s *Settings) { s.Now = now }
}

// ApplyOptions resolves opts over the defaults.
func ApplyOptions(opts []Option) Settings {
	s := Settings{
		Extractor: search.NewExtractor(),
		Now:       models.NowMillis,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
