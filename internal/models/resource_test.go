package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResource_CloneIsDeep(t *testing.T) {
	r := &Resource{
		ID:          "r-1",
		Payload:     json.RawMessage(`{"text":"a"}`),
		Metadata:    map[string]any{"nested": map[string]any{"k": "v"}, "list": []any{"x"}},
		Attachments: []Attachment{{ID: "a"}},
	}
	c := r.Clone()
	require.Equal(t, r, c)

	c.Payload[2] = 'X'
	c.Metadata["nested"].(map[string]any)["k"] = "changed"
	c.Metadata["list"].([]any)[0] = "y"
	c.Attachments[0].ID = "b"

	assert.JSONEq(t, `{"text":"a"}`, string(r.Payload))
	assert.Equal(t, "v", r.Metadata["nested"].(map[string]any)["k"])
	assert.Equal(t, "x", r.Metadata["list"].([]any)[0])
	assert.Equal(t, "a", r.Attachments[0].ID)
}

func TestResource_CloneNil(t *testing.T) {
	var r *Resource
	assert.Nil(t, r.Clone())
}

func TestResource_JSONShape(t *testing.T) {
	r := &Resource{ID: "r-1", Type: "note", WorkspaceID: "ws", Version: 2, SchemaVersion: 1, Payload: json.RawMessage(`{}`)}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r-1","type":"note","workspaceId":"ws","createdAt":0,"updatedAt":0,"version":2,"schemaVersion":1,"payload":{}}`, string(b))
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleOwner.Valid())
	assert.True(t, RoleReader.Valid())
	assert.False(t, Role("admin").Valid())
	assert.False(t, Role("").Valid())
}
