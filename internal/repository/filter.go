package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/models"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpContains Operator = "contains"
	OpPrefix   Operator = "prefix"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpExists   Operator = "exists"
)

// Filter is a predicate on a dotted field path into the resource, e.g.
// "payload.tags" or "metadata.source".
type Filter struct {
	Path  string   `json:"path"`
	Op    Operator `json:"op"`
	Value any      `json:"value,omitempty"`
}

// Validate rejects unknown operators and empty paths.
func (f Filter) Validate() error {
	if strings.TrimSpace(f.Path) == "" {
		return kerrors.NewValidationError("", "filter.path", "path is required")
	}
	switch f.Op {
	case OpEq, OpNe, OpContains, OpPrefix, OpGt, OpGte, OpLt, OpLte, OpExists:
		return nil
	}
	return kerrors.NewValidationError("", "filter.op", fmt.Sprintf("unknown operator %q", f.Op))
}

// Match evaluates the filter against a resource document.
func (f Filter) Match(doc []byte) bool {
	res := gjson.GetBytes(doc, f.Path)
	if f.Op == OpExists {
		want := true
		if b, ok := f.Value.(bool); ok {
			want = b
		}
		return res.Exists() == want
	}
	if !res.Exists() {
		return f.Op == OpNe
	}

	field := resultString(res)
	value := stringify(f.Value)
	switch f.Op {
	case OpEq:
		return field == value
	case OpNe:
		return field != value
	case OpContains:
		return strings.Contains(field, value)
	case OpPrefix:
		return strings.HasPrefix(field, value)
	case OpGt:
		return compareScalar(field, value) > 0
	case OpGte:
		return compareScalar(field, value) >= 0
	case OpLt:
		return compareScalar(field, value) < 0
	case OpLte:
		return compareScalar(field, value) <= 0
	}
	return false
}

// Document renders a resource as the JSON document filters and path sorts
// are evaluated against.
func Document(r *models.Resource) []byte {
	doc, err := json.Marshal(r)
	if err != nil {
		return []byte(`{}`)
	}
	return doc
}

func resultString(res gjson.Result) string {
	if res.Type == gjson.JSON {
		return res.Raw
	}
	return res.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// compareScalar compares numerically when both sides are numbers, lexically otherwise.
func compareScalar(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
