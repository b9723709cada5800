package kernel

import (
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/models"
)

// Patch is a partial update. Top-level payload and metadata keys replace the
// stored ones; a null value removes the key. Nil fields are left untouched.
type Patch struct {
	Payload     json.RawMessage     `json:"payload,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Origin      models.Origin       `json:"origin,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// apply returns a copy of base with p merged in.
func (p Patch) apply(base *models.Resource) (*models.Resource, error) {
	out := base.Clone()
	payload, err := mergePayload(base.Type, base.PayloadOrEmpty(), p.Payload)
	if err != nil {
		return nil, err
	}
	out.Payload = payload
	out.Metadata = mergeMetadata(out.Metadata, p.Metadata)
	if p.Origin != "" {
		out.Origin = p.Origin
	}
	if p.Attachments != nil {
		out.Attachments = append([]models.Attachment(nil), p.Attachments...)
	}
	return out, nil
}

func mergePayload(typ string, base, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return base, nil
	}
	if !gjson.ValidBytes(patch) {
		return nil, kerrors.NewValidationError(typ, "payload", "patch is not valid JSON")
	}
	p := gjson.ParseBytes(patch)
	if !p.IsObject() {
		return nil, kerrors.NewValidationError(typ, "payload", "patch must be a JSON object")
	}
	if !gjson.ParseBytes(base).IsObject() {
		return nil, kerrors.NewValidationError(typ, "payload", "stored payload is not an object")
	}

	out := append([]byte(nil), base...)
	var err error
	p.ForEach(func(key, value gjson.Result) bool {
		path := escapeKey(key.String())
		if value.Type == gjson.Null {
			out, err = sjson.DeleteBytes(out, path)
		} else {
			out, err = sjson.SetRawBytes(out, path, []byte(value.Raw))
		}
		return err == nil
	})
	if err != nil {
		return nil, kerrors.NewValidationError(typ, "payload", err.Error())
	}
	return out, nil
}

// escapeKey makes a literal object key safe to use as an sjson path.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '\\', '.', '*', '?', '|', '#', '@', '!', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func mergeMetadata(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	if len(base) == 0 {
		return nil
	}
	return base
}

// stripes serialises read-merge-write cycles per resource id.
type stripes [64]sync.Mutex

func (s *stripes) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &s[h.Sum32()%uint32(len(s))]
	m.Lock()
	return m.Unlock
}
