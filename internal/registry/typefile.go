package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
)

// File is the on-disk form of a set of type descriptors.
type File struct {
	Types []TypeSpec `yaml:"types" validate:"required,dive"`
}

// TypeSpec declares a type without code: an optional JSON schema, fields
// that must hold non-empty text, and rules that upgrade older payloads.
type TypeSpec struct {
	Type          string         `yaml:"type" validate:"required"`
	SchemaVersion int            `yaml:"schemaVersion" validate:"gte=1"`
	Schema        map[string]any `yaml:"schema"`
	Required      []string       `yaml:"required"`
	Migrate       *MigrationSpec `yaml:"migrate"`
}

// MigrationSpec rewrites a payload to the current shape. Renames run before defaults.
type MigrationSpec struct {
	Rename   map[string]string `yaml:"rename"`
	Defaults map[string]any    `yaml:"defaults"`
}

var typeFileValidator = validator.New()

// LoadFile reads descriptors from a YAML file.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read types file: %w", err)
	}
	return Parse(data)
}

// Parse decodes descriptors from YAML.
func Parse(data []byte) ([]Descriptor, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode types file: %w", err)
	}
	if err := typeFileValidator.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid types file: %w", err)
	}

	out := make([]Descriptor, 0, len(f.Types))
	for _, ts := range f.Types {
		d, err := ts.Descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Descriptor compiles the type declaration into a Descriptor.
func (ts TypeSpec) Descriptor() (Descriptor, error) {
	var schema *jsonschema.Schema
	if len(ts.Schema) > 0 {
		raw, err := json.Marshal(ts.Schema)
		if err != nil {
			return Descriptor{}, fmt.Errorf("type %q: encode schema: %w", ts.Type, err)
		}
		schema, err = compileSchema(ts.Type, raw)
		if err != nil {
			return Descriptor{}, err
		}
	}

	d := Descriptor{
		Type:          ts.Type,
		SchemaVersion: ts.SchemaVersion,
		Validate:      buildValidator(ts.Type, schema, ts.Required),
	}
	if ts.Migrate != nil {
		d.Migrate = buildMigrator(*ts.Migrate)
	}
	return d, nil
}

func compileSchema(typ string, raw []byte) (*jsonschema.Schema, error) {
	url := "inline://" + typ + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("type %q: add schema: %w", typ, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("type %q: compile schema: %w", typ, err)
	}
	return schema, nil
}

func buildValidator(typ string, schema *jsonschema.Schema, required []string) ValidateFunc {
	return func(payload json.RawMessage) (json.RawMessage, error) {
		for _, field := range required {
			res := gjson.GetBytes(payload, field)
			if !res.Exists() || (res.Type == gjson.String && strings.TrimSpace(res.String()) == "") {
				return nil, kerrors.NewValidationError(typ, "payload."+field, "must not be empty")
			}
		}
		if schema != nil {
			var doc any
			if err := json.Unmarshal(payload, &doc); err != nil {
				return nil, kerrors.NewValidationError(typ, "payload", err.Error())
			}
			if err := schema.Validate(doc); err != nil {
				return nil, kerrors.NewValidationError(typ, "payload", err.Error())
			}
		}
		return payload, nil
	}
}

func buildMigrator(ms MigrationSpec) MigrateFunc {
	return func(payload json.RawMessage, _ int) (json.RawMessage, error) {
		out := []byte(payload)
		var err error

		for _, from := range sortedKeys(ms.Rename) {
			to := ms.Rename[from]
			old := gjson.GetBytes(out, from)
			if !old.Exists() {
				continue
			}
			if !gjson.GetBytes(out, to).Exists() {
				if out, err = sjson.SetRawBytes(out, to, []byte(old.Raw)); err != nil {
					return nil, fmt.Errorf("rename %s to %s: %w", from, to, err)
				}
			}
			if out, err = sjson.DeleteBytes(out, from); err != nil {
				return nil, fmt.Errorf("drop %s: %w", from, err)
			}
		}

		for _, path := range sortedKeys(ms.Defaults) {
			if gjson.GetBytes(out, path).Exists() {
				continue
			}
			if out, err = sjson.SetBytes(out, path, ms.Defaults[path]); err != nil {
				return nil, fmt.Errorf("default %s: %w", path, err)
			}
		}
		return out, nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
