package exchange

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/p-blackswan/resource-kernel/internal/models"
)

// Issue codes reported by ValidateImport.
const (
	CodeJSONParse         = "JSON_PARSE"
	CodeDuplicateID       = "DUPLICATE_ID"
	CodeCountMismatch     = "COUNT_MISMATCH"
	CodeTypeMismatch      = "TYPE_MISMATCH"
	CodeMissingField      = "MISSING_FIELD"
	CodeWorkspaceMismatch = "WORKSPACE_MISMATCH"
	CodeFormat            = "UNSUPPORTED_FORMAT"
)

// maxLine bounds a single NDJSON record.
const maxLine = 16 << 20

// Issue is one problem found in an import.
type Issue struct {
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// Report is the outcome of an import check.
type Report struct {
	Success bool    `json:"success"`
	Lines   int     `json:"lines"`
	Issues  []Issue `json:"issues"`
}

// Has reports whether an issue with code was found.
func (r Report) Has(code string) bool {
	for _, is := range r.Issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// ValidateImport checks body against its manifest line by line. It reads
// nothing but its arguments and writes nothing.
func ValidateImport(m Manifest, body io.Reader) (Report, error) {
	rep := Report{Issues: []Issue{}}
	add := func(is Issue) { rep.Issues = append(rep.Issues, is) }

	if m.Format != "" && m.Format != Format {
		add(Issue{Code: CodeFormat, Message: fmt.Sprintf("format %q is not %q", m.Format, Format)})
	}

	seen := make(map[string]int)
	types := make(map[string]int)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		rep.Lines++

		var r models.Resource
		if err := json.Unmarshal(raw, &r); err != nil {
			add(Issue{Code: CodeJSONParse, Line: line, Message: err.Error()})
			continue
		}
		if r.ID == "" || r.Type == "" {
			add(Issue{Code: CodeMissingField, Line: line, ID: r.ID, Message: "id and type are required"})
		}
		if r.ID != "" {
			if first, dup := seen[r.ID]; dup {
				add(Issue{Code: CodeDuplicateID, Line: line, ID: r.ID, Message: fmt.Sprintf("id first seen on line %d", first)})
			} else {
				seen[r.ID] = line
			}
		}
		if m.WorkspaceID != "" && r.WorkspaceID != m.WorkspaceID {
			add(Issue{Code: CodeWorkspaceMismatch, Line: line, ID: r.ID, Message: fmt.Sprintf("workspace %q is not %q", r.WorkspaceID, m.WorkspaceID)})
		}
		if r.Type != "" {
			types[r.Type]++
		}
	}
	if err := sc.Err(); err != nil {
		return Report{}, fmt.Errorf("reading import body: %w", err)
	}

	if m.Count != rep.Lines {
		add(Issue{Code: CodeCountMismatch, Message: fmt.Sprintf("manifest declares %d resources, body has %d lines", m.Count, rep.Lines)})
	}
	if m.Types != nil {
		names := make([]string, 0, len(m.Types)+len(types))
		for t := range m.Types {
			names = append(names, t)
		}
		for t := range types {
			if _, ok := m.Types[t]; !ok {
				names = append(names, t)
			}
		}
		sort.Strings(names)
		for _, t := range names {
			if m.Types[t] != types[t] {
				add(Issue{Code: CodeTypeMismatch, Message: fmt.Sprintf("type %q: manifest declares %d, body has %d", t, m.Types[t], types[t])})
			}
		}
	}

	rep.Success = len(rep.Issues) == 0
	return rep, nil
}
