package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
)

// SchemaVersion is the database layout version recorded in meta.
const SchemaVersion = 2

const (
	metaSchemaVersion  = "schema_version"
	metaFullTextFields = "fts_fields"
	metaTypePrefix     = "type_version:"
)

func (s *Store) migrate(ctx context.Context) error {
	if err := s.migrateV1(ctx); err != nil {
		return err
	}
	return s.migrateV2(ctx)
}

func (s *Store) migrateV1(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS resources (
		id             TEXT PRIMARY KEY,
		type           TEXT NOT NULL,
		workspace_id   TEXT NOT NULL,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		version        INTEGER NOT NULL,
		schema_version INTEGER NOT NULL,
		origin         TEXT NOT NULL DEFAULT '',
		metadata       TEXT,
		payload        TEXT NOT NULL,
		attachments    TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_resources_ws_type ON resources(workspace_id, type, updated_at);
	CREATE INDEX IF NOT EXISTS idx_resources_ws_updated ON resources(workspace_id, updated_at DESC, id);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}

// migrateV2 adds the FTS5 index. Engines built without FTS5 keep working on
// the v1 layout and full-text queries fall back to scanning.
func (s *Store) migrateV2(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version >= 2 {
		s.fts = true
		return s.syncFullTextFields(ctx)
	}

	schema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS resources_fts USING fts5(
		id UNINDEXED,
		workspace_id UNINDEXED,
		body,
		tokenize = "unicode61 remove_diacritics 0"
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		s.logger.Warn().Err(err).Msg("full-text index unavailable, listing will scan")
		return nil
	}
	s.fts = true

	if _, err := s.RebuildFullTextIndex(ctx); err != nil {
		return fmt.Errorf("failed to populate full-text index: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', ?)`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}

// syncFullTextFields rebuilds the index when the searchable payload fields
// changed since it was last built.
func (s *Store) syncFullTextFields(ctx context.Context) error {
	stored, err := s.metaValue(ctx, metaFullTextFields)
	if err != nil {
		return err
	}
	if stored == s.fullTextFields() {
		return nil
	}
	s.logger.Info().Str("was", stored).Str("now", s.fullTextFields()).Msg("search fields changed, rebuilding full-text index")
	_, err = s.RebuildFullTextIndex(ctx)
	return err
}

func (s *Store) fullTextFields() string {
	return strings.Join(s.settings.Extractor.Fields(), ",")
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	v, err := s.metaValue(ctx, metaSchemaVersion)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

// SchemaVersion returns the database layout version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.schemaVersion(ctx)
}

func (s *Store) metaValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", kerrors.Storage("read meta", err)
	}
	return value, nil
}

// RecordTypeVersion notes that the workspace's resources of typ were swept
// up to version.
func (s *Store) RecordTypeVersion(ctx context.Context, workspaceID, typ string, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES (?, ?)`,
		typeVersionKey(workspaceID, typ), strconv.Itoa(version))
	return kerrors.Storage("record type version", err)
}

// TypeVersions returns the recorded migration marker per type for a workspace.
func (s *Store) TypeVersions(ctx context.Context, workspaceID string) (map[string]int, error) {
	prefix := typeVersionKey(workspaceID, "")
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, kerrors.Storage("read type versions", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, kerrors.Storage("read type versions", err)
		}
		n, _ := strconv.Atoi(value)
		out[strings.TrimPrefix(key, prefix)] = n
	}
	return out, kerrors.Storage("read type versions", rows.Err())
}

func typeVersionKey(workspaceID, typ string) string {
	return metaTypePrefix + workspaceID + "/" + typ
}
