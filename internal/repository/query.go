package repository

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	kerrors "github.com/p-blackswan/resource-kernel/internal/errors"
	"github.com/p-blackswan/resource-kernel/internal/models"
	"github.com/p-blackswan/resource-kernel/internal/search"
)

const scoreField = "score"

type sortKey struct {
	field string
	desc  bool
}

// order is the effective sort: explicit keys followed by the id tie-break.
type order struct {
	keys []sortKey
	sig  string
}

func resolveOrder(opts ListOptions) order {
	var keys []sortKey
	switch {
	case opts.Sort != nil && opts.Sort.Field != "":
		keys = []sortKey{{field: opts.Sort.Field, desc: opts.Sort.Desc}}
	case strings.TrimSpace(opts.FullText) != "":
		keys = []sortKey{{field: scoreField, desc: true}, {field: "updatedAt", desc: true}}
	default:
		keys = []sortKey{{field: "updatedAt", desc: true}}
	}
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		dir := "asc"
		if k.desc {
			dir = "desc"
		}
		parts = append(parts, k.field+":"+dir)
	}
	parts = append(parts, "id:asc")
	return order{keys: keys, sig: strings.Join(parts, "|")}
}

func (o order) needsDocument() bool {
	for _, k := range o.keys {
		if _, ok := builtinField(nil, k.field); !ok && k.field != scoreField {
			return true
		}
	}
	return false
}

type row struct {
	r     *models.Resource
	score int
	doc   []byte
	keys  []any
}

func (o order) keysFor(rw row) []any {
	keys := make([]any, 0, len(o.keys)+1)
	for _, k := range o.keys {
		if k.field == scoreField {
			keys = append(keys, float64(rw.score))
			continue
		}
		if v, ok := builtinField(rw.r, k.field); ok {
			keys = append(keys, v)
			continue
		}
		keys = append(keys, pathValue(rw.doc, k.field))
	}
	return append(keys, rw.r.ID)
}

// compare orders two key tuples produced by keysFor (or decoded from a cursor).
func (o order) compare(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		c := compareValues(a[i], b[i])
		if i < len(o.keys) && o.keys[i].desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// builtinField resolves top-level resource fields without a JSON round trip.
// A nil resource only reports whether the field is builtin.
func builtinField(r *models.Resource, field string) (any, bool) {
	switch field {
	case "id", "type", "workspaceId", "origin":
		if r == nil {
			return nil, true
		}
		switch field {
		case "id":
			return r.ID, true
		case "type":
			return r.Type, true
		case "workspaceId":
			return r.WorkspaceID, true
		}
		return string(r.Origin), true
	case "createdAt", "updatedAt", "version", "schemaVersion":
		if r == nil {
			return nil, true
		}
		switch field {
		case "createdAt":
			return float64(r.CreatedAt), true
		case "updatedAt":
			return float64(r.UpdatedAt), true
		case "version":
			return float64(r.Version), true
		}
		return float64(r.SchemaVersion), true
	}
	return nil, false
}

func pathValue(doc []byte, path string) any {
	res := gjson.GetBytes(doc, path)
	switch {
	case !res.Exists() || res.Type == gjson.Null:
		return nil
	case res.Type == gjson.Number:
		return res.Float()
	case res.Type == gjson.JSON:
		return res.Raw
	}
	return res.String()
}

// compareValues ranks nil before numbers before strings.
func compareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	}
	return 0
}

func valueRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	}
	return 3
}

// Run evaluates opts over candidates: workspace scope, type set, filters,
// full-text scoring, ordering and cursor pagination. Candidates are not
// modified; the page holds clones.
func Run(candidates []*models.Resource, workspaceID string, opts ListOptions, ext *search.Extractor) (*Page, error) {
	for _, f := range opts.Filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	if ext == nil {
		ext = search.NewExtractor()
	}

	ord := resolveOrder(opts)
	var typeSet map[string]struct{}
	if len(opts.Types) > 0 {
		typeSet = make(map[string]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			typeSet[t] = struct{}{}
		}
	}
	fullText := strings.TrimSpace(opts.FullText) != ""
	query := search.QueryTokens(opts.FullText)
	needDoc := len(opts.Filters) > 0 || ord.needsDocument()

	rows := make([]row, 0, len(candidates))
	for _, r := range candidates {
		if r.WorkspaceID != workspaceID {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[r.Type]; !ok {
				continue
			}
		}
		rw := row{r: r}
		if needDoc {
			rw.doc = Document(r)
		}
		if !matchesAll(opts.Filters, rw.doc) {
			continue
		}
		if fullText {
			rw.score = search.Score(search.Counts(ext.Tokens(r.Payload)), query)
			if rw.score == 0 {
				continue
			}
		}
		rw.keys = ord.keysFor(rw)
		rows = append(rows, rw)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return ord.compare(rows[i].keys, rows[j].keys) < 0
	})

	start, err := ord.start(rows, opts.Cursor)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	end := len(rows)
	if limit < end-start {
		end = start + limit
	}

	page := &Page{Total: len(rows), Data: make([]*models.Resource, 0, end-start)}
	if fullText {
		page.Scores = make(map[string]int, end-start)
	}
	for _, rw := range rows[start:end] {
		page.Data = append(page.Data, rw.r.Clone())
		if fullText {
			page.Scores[rw.r.ID] = rw.score
		}
	}
	if end < len(rows) {
		last := rows[end-1]
		page.NextCursor = encodeCursor(cursor{Sig: ord.sig, Keys: last.keys[:len(last.keys)-1], ID: last.r.ID})
	}
	return page, nil
}

// start returns the index of the first row strictly after the cursor.
func (o order) start(rows []row, raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	c, err := decodeCursor(raw)
	if err != nil {
		return 0, err
	}
	if c.Sig == o.sig && len(c.Keys) == len(o.keys) {
		pos := append(append([]any(nil), c.Keys...), c.ID)
		return sort.Search(len(rows), func(i int) bool {
			return o.compare(rows[i].keys, pos) > 0
		}), nil
	}
	// Sort changed between pages: continue after the last seen id.
	for i, rw := range rows {
		if rw.r.ID == c.ID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: position %s is not in the current result set", kerrors.ErrInvalidCursor, c.ID)
}

func matchesAll(filters []Filter, doc []byte) bool {
	for _, f := range filters {
		if !f.Match(doc) {
			return false
		}
	}
	return true
}

// IsDefaultOrder reports whether opts list in plain updatedAt-desc order with
// no filtering beyond type, which backends may serve with a keyset scan.
func IsDefaultOrder(opts ListOptions) bool {
	if strings.TrimSpace(opts.FullText) != "" || len(opts.Filters) > 0 {
		return false
	}
	return opts.Sort == nil || opts.Sort.Field == "" || (opts.Sort.Field == "updatedAt" && opts.Sort.Desc)
}

// DefaultCursor encodes the position of r in the default order.
func DefaultCursor(r *models.Resource) string {
	ord := resolveOrder(ListOptions{})
	return encodeCursor(cursor{Sig: ord.sig, Keys: []any{float64(r.UpdatedAt)}, ID: r.ID})
}

// DefaultPosition decodes a cursor issued under the default order. ok is
// false when the cursor belongs to a different order.
func DefaultPosition(raw string) (updatedAt int64, id string, ok bool, err error) {
	c, err := decodeCursor(raw)
	if err != nil {
		return 0, "", false, err
	}
	ord := resolveOrder(ListOptions{})
	if c.Sig != ord.sig || len(c.Keys) != 1 {
		return 0, "", false, nil
	}
	ts, isNum := c.Keys[0].(float64)
	if !isNum {
		return 0, "", false, fmt.Errorf("%w: malformed position", kerrors.ErrInvalidCursor)
	}
	return int64(ts), c.ID, true, nil
}
