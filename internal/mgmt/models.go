package mgmt

import (
	"github.com/p-blackswan/resource-kernel/internal/exchange"
	"github.com/p-blackswan/resource-kernel/internal/models"
)

// ResourceResponse wraps a single resource.
type ResourceResponse struct {
	Resource *models.Resource `json:"resource"`
}

// SearchResponse is returned by the index search endpoint.
type SearchResponse struct {
	Data  []*models.Resource `json:"data"`
	Total int                `json:"total"`
}

// ChunkIndexResponse describes a chunked export.
type ChunkIndexResponse struct {
	Manifest  exchange.Manifest `json:"manifest"`
	Chunks    int               `json:"chunks"`
	ChunkSize int               `json:"chunkSize"`
}

// ValidateImportRequest carries a manifest and its NDJSON body.
type ValidateImportRequest struct {
	Manifest exchange.Manifest `json:"manifest"`
	Body     string            `json:"body"`
}

// TypeInfo describes one registered resource type.
type TypeInfo struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
}

// AuditResponse lists recent access decisions.
type AuditResponse struct {
	Entries []models.AuditEntry `json:"entries"`
	Total   int                 `json:"total"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
