// Package exchange moves workspaces in and out as newline-delimited JSON.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/repository"
)

// Format names the body encoding in a manifest.
const Format = "resource-ndjson"

// FormatVersion is the manifest layout version.
const FormatVersion = 1

// DefaultPageSize bounds each repository page read during export.
const DefaultPageSize = 200

// Manifest describes an export body.
type Manifest struct {
	WorkspaceID string         `json:"workspaceId"`
	GeneratedAt int64          `json:"generatedAt"`
	Count       int            `json:"count"`
	Types       map[string]int `json:"types"`
	Format      string         `json:"format"`
	Version     int            `json:"version"`
	Since       *int64         `json:"since,omitempty"`
}

// Bundle is a manifest plus its NDJSON body.
type Bundle struct {
	Manifest Manifest `json:"manifest"`
	Body     []byte   `json:"-"`
}

// Exporter reads workspaces page by page through the repository interface.
type Exporter struct {
	repo     repository.Repository
	logger   zerolog.Logger
	pageSize int
	now      func() int64
}

// NewExporter creates an exporter. pageSize <= 0 uses DefaultPageSize.
func NewExporter(repo repository.Repository, logger zerolog.Logger, pageSize int) *Exporter {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Exporter{
		repo:     repo,
		logger:   logger.With().Str("component", "export").Logger(),
		pageSize: pageSize,
		now:      models.NowMillis,
	}
}

// WriteTo streams the workspace to w in list order and returns its manifest.
// With since set, only resources updated after it are written.
func (e *Exporter) WriteTo(ctx context.Context, workspaceID string, since *int64, w io.Writer) (Manifest, error) {
	m := Manifest{
		WorkspaceID: workspaceID,
		GeneratedAt: e.now(),
		Types:       make(map[string]int),
		Format:      Format,
		Version:     FormatVersion,
		Since:       since,
	}
	enc := json.NewEncoder(w)
	err := e.walk(ctx, workspaceID, since, func(r *models.Resource) error {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encoding %s: %w", r.ID, err)
		}
		m.Count++
		m.Types[r.Type]++
		return nil
	})
	if err != nil {
		return Manifest{}, err
	}
	e.logger.Info().Str("workspace_id", workspaceID).Int("count", m.Count).Msg("workspace exported")
	return m, nil
}

// Export renders the whole workspace.
func (e *Exporter) Export(ctx context.Context, workspaceID string) (*Bundle, error) {
	var buf bytes.Buffer
	m, err := e.WriteTo(ctx, workspaceID, nil, &buf)
	if err != nil {
		return nil, err
	}
	return &Bundle{Manifest: m, Body: buf.Bytes()}, nil
}

// ExportSince renders resources with updatedAt strictly after since.
func (e *Exporter) ExportSince(ctx context.Context, workspaceID string, since int64) (*Bundle, error) {
	var buf bytes.Buffer
	m, err := e.WriteTo(ctx, workspaceID, &since, &buf)
	if err != nil {
		return nil, err
	}
	return &Bundle{Manifest: m, Body: buf.Bytes()}, nil
}

// ExportChunks splits the export into bodies of at most chunkSize lines,
// each valid NDJSON on its own. The last chunk holds the remainder; an
// empty workspace yields no chunks.
func (e *Exporter) ExportChunks(ctx context.Context, workspaceID string, chunkSize int) (Manifest, [][]byte, error) {
	if chunkSize <= 0 {
		return Manifest{}, nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	b, err := e.Export(ctx, workspaceID)
	if err != nil {
		return Manifest{}, nil, err
	}
	return b.Manifest, SplitLines(b.Body, chunkSize), nil
}

// SplitLines cuts an NDJSON body into groups of n lines.
func SplitLines(body []byte, n int) [][]byte {
	var chunks [][]byte
	start, lines := 0, 0
	for i, c := range body {
		if c != '\n' {
			continue
		}
		lines++
		if lines == n {
			chunks = append(chunks, body[start:i+1])
			start, lines = i+1, 0
		}
	}
	if start < len(body) {
		chunks = append(chunks, body[start:])
	}
	return chunks
}

// walk pages through the default order, newest first. Because that order is
// by updatedAt, an incremental export stops at the first older resource.
func (e *Exporter) walk(ctx context.Context, workspaceID string, since *int64, visit func(*models.Resource) error) error {
	opts := repository.ListOptions{Limit: e.pageSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := e.repo.List(ctx, workspaceID, opts)
		if err != nil {
			return err
		}
		for _, r := range page.Data {
			if since != nil && r.UpdatedAt <= *since {
				return nil
			}
			if err := visit(r); err != nil {
				return err
			}
		}
		if !page.HasMore() {
			return nil
		}
		opts.Cursor = page.NextCursor
	}
}
