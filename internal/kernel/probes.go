package kernel

import (
	"context"

	"github.com/p-blackswan/resource-kernel/internal/repository"
)

// SyncStatus compares the search index with the store of record.
type SyncStatus struct {
	Indexed            int    `json:"indexed"`
	FullText           *bool  `json:"fullText,omitempty"`
	WorkspaceID        string `json:"workspaceId,omitempty"`
	Stored             int    `json:"stored,omitempty"`
	IndexedInWorkspace int    `json:"indexedInWorkspace,omitempty"`
	InSync             bool   `json:"inSync"`
}

func (k *Kernel) syncProbe(ctx context.Context) (any, error) {
	st := SyncStatus{Indexed: k.searcher.Size(), InSync: true}
	if f, ok := k.backend.(interface{ FullTextEnabled() bool }); ok {
		enabled := f.FullTextEnabled()
		st.FullText = &enabled
	}
	if k.healthWorkspace == "" {
		return st, nil
	}
	page, err := k.repo.List(ctx, k.healthWorkspace, repository.ListOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	st.WorkspaceID = k.healthWorkspace
	st.Stored = page.Total
	st.IndexedInWorkspace = k.index.Count(k.healthWorkspace)
	st.InSync = st.Stored == st.IndexedInWorkspace
	return st, nil
}

func (k *Kernel) migrationsProbe(ctx context.Context) (any, error) {
	if k.healthWorkspace == "" {
		return nil, nil
	}
	return k.migrations.PendingMigrations(ctx, k.healthWorkspace)
}
