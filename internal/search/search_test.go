package search

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"alpha", "beta", "beta"}, Tokenize("Alpha beta, BETA!"))
	assert.Equal(t, []string{"rev", "2", "café"}, Tokenize("rev-2 CAFÉ"))
	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize("  ... "))
}

func TestQueryTokens_Dedupes(t *testing.T) {
	assert.Equal(t, []string{"beta", "alpha"}, QueryTokens("beta Alpha beta"))
}

func TestScore(t *testing.T) {
	counts := Counts(Tokenize("alpha beta beta"))
	assert.Equal(t, 2, Score(counts, []string{"beta"}))
	assert.Equal(t, 3, Score(counts, []string{"beta", "alpha"}))
	assert.Equal(t, 0, Score(counts, []string{"gamma"}))
}

func TestExtractor_DefaultField(t *testing.T) {
	e := NewExtractor()
	assert.Equal(t, []string{"text"}, e.Fields())
	assert.Equal(t, "hello world", e.Text(json.RawMessage(`{"text":"hello world","title":"ignored"}`)))
	assert.Equal(t, "", e.Text(json.RawMessage(`{"title":"no text"}`)))
	assert.Equal(t, "", e.Text(nil))
}

func TestExtractor_MultipleFieldsAndArrays(t *testing.T) {
	e := NewExtractor("text", " tags ", "")
	payload := json.RawMessage(`{"text":"Quarterly report","tags":["finance","q3",7]}`)
	assert.Equal(t, "Quarterly report finance q3", e.Text(payload))
	assert.Equal(t, []string{"quarterly", "report", "finance", "q3"}, e.Tokens(payload))
}
