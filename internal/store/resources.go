package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/repository"
	"github.com/p-blackswan/resource-kernel/internal/retry"
)

const resourceColumns = `id, type, workspace_id, created_at, updated_at, version, schema_version, origin, metadata, payload, attachments`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Save upserts r in one transaction and publishes created, updated or migrated.
func (s *Store) Save(ctx context.Context, r *models.Resource, opts ...repository.SaveOption) (*models.Resource, error) {
	in := r.Clone()
	mode := repository.ResolveSaveOptions(opts)
	if in == nil {
		_, _, err := repository.Prepare(nil, nil, s.validator, mode, 0)
		return nil, err
	}
	repository.AssignID(in)

	var (
		saved *models.Resource
		op    event.Operation
	)
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		saved, op, err = s.saveOnce(ctx, in, mode)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("id", saved.ID).Str("op", string(op)).Int("version", saved.Version).Msg("resource saved")
	repository.Publish(ctx, s.bus, op, saved)
	return saved.Clone(), nil
}

func (s *Store) saveOnce(ctx context.Context, in *models.Resource, mode repository.SaveMode) (*models.Resource, event.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", kerrors.Storage("begin", err)
	}
	defer tx.Rollback()

	existing, err := getResource(ctx, tx, in.ID)
	if err != nil {
		return nil, "", err
	}
	saved, op, err := repository.Prepare(existing, in, s.validator, mode, s.settings.Now())
	if err != nil {
		return nil, "", err
	}

	metadata, err := marshalNullable(saved.Metadata, len(saved.Metadata) == 0)
	if err != nil {
		return nil, "", kerrors.NewValidationError(saved.Type, "metadata", err.Error())
	}
	attachments, err := marshalNullable(saved.Attachments, len(saved.Attachments) == 0)
	if err != nil {
		return nil, "", kerrors.NewValidationError(saved.Type, "attachments", err.Error())
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO resources (`+resourceColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		updated_at = excluded.updated_at,
		version = excluded.version,
		schema_version = excluded.schema_version,
		origin = excluded.origin,
		metadata = excluded.metadata,
		payload = excluded.payload,
		attachments = excluded.attachments
	`,
		saved.ID, saved.Type, saved.WorkspaceID, saved.CreatedAt, saved.UpdatedAt,
		saved.Version, saved.SchemaVersion, string(saved.Origin),
		metadata, string(saved.PayloadOrEmpty()), attachments,
	)
	if err != nil {
		return nil, "", kerrors.Storage("save", err)
	}
	if err := s.indexFullText(ctx, tx, saved); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", kerrors.Storage("commit", err)
	}

	s.cache.Put(saved.ID, saved.Clone())
	return saved, op, nil
}

// Get returns the resource, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*models.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.cache.Get(id); ok {
		return r.Clone(), nil
	}
	r, err := getResource(ctx, s.db, id)
	if err != nil || r == nil {
		return nil, err
	}
	s.cache.Put(id, r.Clone())
	return r, nil
}

// Delete removes the resource. Missing ids are a no-op and publish nothing.
func (s *Store) Delete(ctx context.Context, id string) error {
	var existing *models.Resource
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var err error
		existing, err = s.deleteOnce(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	if existing != nil {
		repository.Publish(ctx, s.bus, event.OpDeleted, existing)
	}
	return nil
}

func (s *Store) deleteOnce(ctx context.Context, id string) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kerrors.Storage("begin", err)
	}
	defer tx.Rollback()

	existing, err := getResource(ctx, tx, id)
	if err != nil || existing == nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id); err != nil {
		return nil, kerrors.Storage("delete", err)
	}
	if s.fts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM resources_fts WHERE id = ?`, id); err != nil {
			return nil, kerrors.Storage("delete full-text", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, kerrors.Storage("commit", err)
	}
	s.cache.Remove(id)
	return existing, nil
}

// List serves the default order with a keyset scan over the workspace index
// and evaluates every other query over the workspace's candidate rows.
func (s *Store) List(ctx context.Context, workspaceID string, opts repository.ListOptions) (*repository.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if repository.IsDefaultOrder(opts) {
		page, ok, err := s.listKeyset(ctx, workspaceID, opts)
		if err != nil || ok {
			return page, err
		}
	}

	candidates, err := s.candidates(ctx, workspaceID, opts)
	if err != nil {
		return nil, err
	}
	return repository.Run(candidates, workspaceID, opts, s.settings.Extractor)
}

// listKeyset reports ok=false when the cursor was issued under another order.
func (s *Store) listKeyset(ctx context.Context, workspaceID string, opts repository.ListOptions) (*repository.Page, bool, error) {
	where, args := workspaceClause(workspaceID, opts.Types)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE `+where, args...).Scan(&total); err != nil {
		return nil, false, kerrors.Storage("count", err)
	}

	if opts.Cursor != "" {
		updatedAt, id, ok, err := repository.DefaultPosition(opts.Cursor)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		where += ` AND (updated_at < ? OR (updated_at = ? AND id > ?))`
		args = append(args, updatedAt, updatedAt, id)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = repository.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE `+where+` ORDER BY updated_at DESC, id ASC LIMIT ?`,
		append(args, limit+1)...)
	if err != nil {
		return nil, false, kerrors.Storage("list", err)
	}
	data, err := scanAll(rows)
	if err != nil {
		return nil, false, err
	}

	page := &repository.Page{Total: total, Data: data}
	if len(data) > limit {
		page.Data = data[:limit]
		page.NextCursor = repository.DefaultCursor(page.Data[limit-1])
	}
	return page, true, nil
}

// candidates loads the rows a generic query can match. Full-text queries are
// narrowed through the FTS index when it is available.
func (s *Store) candidates(ctx context.Context, workspaceID string, opts repository.ListOptions) ([]*models.Resource, error) {
	where, args := workspaceClause(workspaceID, opts.Types)

	if strings.TrimSpace(opts.FullText) != "" && s.fts {
		if match := matchExpression(opts.FullText); match != "" {
			rows, err := s.db.QueryContext(ctx,
				`SELECT `+resourceColumns+` FROM resources WHERE `+where+
					` AND id IN (SELECT id FROM resources_fts WHERE resources_fts MATCH ? AND workspace_id = ?)`,
				append(args, match, workspaceID)...)
			if err == nil {
				return scanAll(rows)
			}
			s.logger.Warn().Err(err).Str("query", opts.FullText).Msg("full-text match failed, scanning workspace")
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE `+where, args...)
	if err != nil {
		return nil, kerrors.Storage("list", err)
	}
	return scanAll(rows)
}

func workspaceClause(workspaceID string, types []string) (string, []any) {
	where := `workspace_id = ?`
	args := []any{workspaceID}
	if len(types) > 0 {
		where += ` AND type IN (?` + strings.Repeat(`, ?`, len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	return where, args
}

func getResource(ctx context.Context, q queryer, id string) (*models.Resource, error) {
	row := q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kerrors.Storage("get", err)
	}
	return r, nil
}

func scanAll(rows *sql.Rows) ([]*models.Resource, error) {
	defer rows.Close()
	var out []*models.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, kerrors.Storage("scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.Storage("scan", err)
	}
	return out, nil
}

func scanResource(row scanner) (*models.Resource, error) {
	var (
		r           models.Resource
		origin      string
		metadata    sql.NullString
		payload     string
		attachments sql.NullString
	)
	err := row.Scan(&r.ID, &r.Type, &r.WorkspaceID, &r.CreatedAt, &r.UpdatedAt,
		&r.Version, &r.SchemaVersion, &origin, &metadata, &payload, &attachments)
	if err != nil {
		return nil, err
	}
	r.Origin = models.Origin(origin)
	r.Payload = json.RawMessage(payload)
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, err
		}
	}
	if attachments.Valid {
		if err := json.Unmarshal([]byte(attachments.String), &r.Attachments); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Workspaces lists every workspace holding at least one resource.
func (s *Store) Workspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workspace_id FROM resources ORDER BY workspace_id`)
	if err != nil {
		return nil, kerrors.Storage("workspaces", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, kerrors.Storage("workspaces", err)
		}
		out = append(out, ws)
	}
	return out, kerrors.Storage("workspaces", rows.Err())
}
