package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
)

func measurementDescriptor() Descriptor {
	return Descriptor{
		Type:          "measurement",
		SchemaVersion: 2,
		Migrate: func(payload json.RawMessage, from int) (json.RawMessage, error) {
			var m map[string]any
			if err := json.Unmarshal(payload, &m); err != nil {
				return nil, err
			}
			if _, ok := m["unit"]; !ok {
				m["unit"] = "kg"
			}
			return json.Marshal(m)
		},
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(measurementDescriptor()))
	err := r.Register(measurementDescriptor())
	assert.ErrorIs(t, err, kerrors.ErrTypeExists)
	assert.Equal(t, []string{"measurement"}, r.Types())
}

func TestRegister_RequiresType(t *testing.T) {
	r := New()
	err := r.Register(Descriptor{})
	assert.ErrorIs(t, err, kerrors.ErrValidation)
}

func TestValidate_UnknownType(t *testing.T) {
	r := New()
	_, err := r.Validate("ghost", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, kerrors.ErrUnknownType)

	_, err = r.CurrentVersion("ghost")
	assert.ErrorIs(t, err, kerrors.ErrUnknownType)
}

func TestValidate_DelegatesAndWraps(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{
		Type: "note",
		Validate: func(p json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("text is empty")
		},
	}))

	_, err := r.Validate("note", json.RawMessage(`{"text":""}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, kerrors.ErrValidation)
	assert.Contains(t, err.Error(), "text is empty")
}

func TestValidate_RejectsMalformedJSON(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{Type: "note"}))
	_, err := r.Validate("note", json.RawMessage(`{"text":`))
	assert.ErrorIs(t, err, kerrors.ErrValidation)

	out, err := r.Validate("note", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}

func TestValidateAt(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Descriptor{
		Type:          "task",
		SchemaVersion: 2,
		Validate: func(p json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("always invalid at current version")
		},
	}))

	_, err := r.ValidateAt("task", json.RawMessage(`{"title":"old"}`), 1)
	assert.NoError(t, err, "outdated payloads only need to be well formed")

	_, err = r.ValidateAt("task", json.RawMessage(`{"title":"old"}`), 2)
	assert.ErrorIs(t, err, kerrors.ErrValidation)

	_, err = r.ValidateAt("task", json.RawMessage(`{}`), 3)
	assert.ErrorIs(t, err, kerrors.ErrValidation)
}

func TestMigrate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(measurementDescriptor()))

	out, err := r.Migrate("measurement", json.RawMessage(`{"value":3}`), 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":3,"unit":"kg"}`, string(out))

	same := json.RawMessage(`{"value":3}`)
	out, err = r.Migrate("measurement", same, 2)
	require.NoError(t, err)
	assert.Equal(t, string(same), string(out), "current payloads are returned unchanged")

	_, err = r.Migrate("ghost", same, 1)
	assert.ErrorIs(t, err, kerrors.ErrUnknownType)
}

func TestMigrate_AppliedOnceFromAnyVersion(t *testing.T) {
	r := New()
	calls := 0
	require.NoError(t, r.Register(Descriptor{
		Type:          "doc",
		SchemaVersion: 5,
		Migrate: func(p json.RawMessage, from int) (json.RawMessage, error) {
			calls++
			assert.Equal(t, 2, from)
			return p, nil
		},
	}))
	_, err := r.Migrate("doc", json.RawMessage(`{}`), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
