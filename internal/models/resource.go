// Package models holds the value types shared across the kernel.
package models

import (
	"encoding/json"
	"time"
)

// Origin records where a resource was produced.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginTool   Origin = "tool"
	OriginImport Origin = "import"
)

// Attachment references binary content stored outside the resource.
type Attachment struct {
	ID         string `json:"id"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash,omitempty"`
	StorageKey string `json:"storageKey"`
}

// Resource is one typed business record. Timestamps are unix milliseconds.
type Resource struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	WorkspaceID   string          `json:"workspaceId"`
	CreatedAt     int64           `json:"createdAt"`
	UpdatedAt     int64           `json:"updatedAt"`
	Version       int             `json:"version"`
	SchemaVersion int             `json:"schemaVersion"`
	Origin        Origin          `json:"origin,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Attachments   []Attachment    `json:"attachments,omitempty"`
}

// Clone returns a deep copy. Metadata values are copied through JSON so
// nested maps are not shared. A nil receiver yields nil.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	out := *r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Attachments != nil {
		out.Attachments = append([]Attachment(nil), r.Attachments...)
	}
	if r.Metadata != nil {
		out.Metadata = cloneMap(r.Metadata)
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	}
	return v
}

// PayloadOrEmpty returns the payload, or an empty JSON object when unset.
func (r *Resource) PayloadOrEmpty() json.RawMessage {
	if len(r.Payload) == 0 {
		return json.RawMessage(`{}`)
	}
	return r.Payload
}

// UpdatedTime returns UpdatedAt as a time.Time.
func (r *Resource) UpdatedTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// NowMillis is the default clock.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
