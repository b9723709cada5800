// Package search holds the tokenizer and scoring shared by the repository
// backends and the indexer, so both rank identically.
package search

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// DefaultFields are the payload paths tokenized when none are configured.
var DefaultFields = []string{"text"}

// Tokenize splits text into lowercase word tokens. Letters and digits form
// words; everything else separates them.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	lowered := cases.Lower(language.Und).String(norm.NFC.String(text))
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Counts returns occurrences per token.
func Counts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

// QueryTokens tokenizes a query, dropping repeats but keeping order.
func QueryTokens(query string) []string {
	tokens := Tokenize(query)
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Score sums the occurrence counts of each query token present in counts.
// A zero score means no query token matched.
func Score(counts map[string]int, query []string) int {
	score := 0
	for _, q := range query {
		score += counts[q]
	}
	return score
}

// Extractor pulls searchable text out of a payload.
type Extractor struct {
	fields []string
}

// NewExtractor creates an extractor over the given payload paths.
func NewExtractor(fields ...string) *Extractor {
	clean := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			clean = append(clean, f)
		}
	}
	if len(clean) == 0 {
		clean = DefaultFields
	}
	return &Extractor{fields: clean}
}

// Fields returns the configured payload paths.
func (e *Extractor) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Text concatenates every string found at the configured paths. Arrays
// contribute each of their string elements.
func (e *Extractor) Text(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var parts []string
	for _, f := range e.fields {
		res := gjson.GetBytes(payload, f)
		switch {
		case res.Type == gjson.String:
			parts = append(parts, res.String())
		case res.IsArray():
			for _, item := range res.Array() {
				if item.Type == gjson.String {
					parts = append(parts, item.String())
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

// Tokens returns the tokens of the payload's searchable text.
func (e *Extractor) Tokens(payload json.RawMessage) []string {
	return Tokenize(e.Text(payload))
}
