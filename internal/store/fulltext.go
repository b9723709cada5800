package store

import (
	"context"
	"database/sql"
	"strings"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/search"
)

// The FTS body holds tokens produced by the search package rather than raw
// text, so the engine and the in-memory scorer agree on what a word is.
func (s *Store) fullTextBody(payload []byte) string {
	return strings.Join(s.settings.Extractor.Tokens(payload), " ")
}

func (s *Store) indexFullText(ctx context.Context, tx *sql.Tx, r *models.Resource) error {
	if !s.fts {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM resources_fts WHERE id = ?`, r.ID); err != nil {
		return kerrors.Storage("index full-text", err)
	}
	body := s.fullTextBody(r.Payload)
	if body == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO resources_fts(id, workspace_id, body) VALUES (?, ?, ?)`,
		r.ID, r.WorkspaceID, body)
	return kerrors.Storage("index full-text", err)
}

// matchExpression turns a query into an FTS5 OR of quoted tokens.
func matchExpression(query string) string {
	tokens := search.QueryTokens(query)
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// RebuildFullTextIndex regenerates the FTS index from the resources table.
// It reports false without error when the engine has no FTS support.
func (s *Store) RebuildFullTextIndex(ctx context.Context) (bool, error) {
	if !s.fts {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, kerrors.Storage("begin", err)
	}
	defer tx.Rollback()

	type source struct {
		id, workspaceID, payload string
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, workspace_id, payload FROM resources`)
	if err != nil {
		return false, kerrors.Storage("rebuild full-text", err)
	}
	var sources []source
	for rows.Next() {
		var src source
		if err := rows.Scan(&src.id, &src.workspaceID, &src.payload); err != nil {
			rows.Close()
			return false, kerrors.Storage("rebuild full-text", err)
		}
		sources = append(sources, src)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, kerrors.Storage("rebuild full-text", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM resources_fts`); err != nil {
		return false, kerrors.Storage("rebuild full-text", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO resources_fts(id, workspace_id, body) VALUES (?, ?, ?)`)
	if err != nil {
		return false, kerrors.Storage("rebuild full-text", err)
	}
	defer stmt.Close()

	indexed := 0
	for _, src := range sources {
		body := s.fullTextBody([]byte(src.payload))
		if body == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, src.id, src.workspaceID, body); err != nil {
			return false, kerrors.Storage("rebuild full-text", err)
		}
		indexed++
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key, value) VALUES (?, ?)`, metaFullTextFields, s.fullTextFields()); err != nil {
		return false, kerrors.Storage("rebuild full-text", err)
	}
	if err := tx.Commit(); err != nil {
		return false, kerrors.Storage("commit", err)
	}

	s.logger.Info().Int("resources", len(sources)).Int("indexed", indexed).Msg("full-text index rebuilt")
	return true, nil
}
