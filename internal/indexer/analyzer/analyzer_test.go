package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

func TestBuiltinAnalyzers(t *testing.T) {
	tests := []struct {
		analyzer string
		input    string
		want     []Token
	}{
		{
			analyzer: "standard",
			input:    "Alpha-Beta Agreement",
			want:     []Token{{"alpha", 0}, {"beta", 1}, {"agreement", 2}},
		},
		{
			analyzer: "english",
			input:    "The Indemnity clauses are applying",
			want:     []Token{{"indemnity", 1}, {"claus", 2}, {"apply", 4}},
		},
		{
			analyzer: "keyword",
			input:    "C-001",
			want:     []Token{{"C-001", 0}},
		},
		{
			analyzer: "whitespace",
			input:    "Force majeure, included.",
			want:     []Token{{"Force", 0}, {"majeure,", 1}, {"included.", 2}},
		},
		{
			analyzer: "simple",
			input:    "R2D2 rocks",
			want:     []Token{{"r", 0}, {"d", 1}, {"rocks", 2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.analyzer, func(t *testing.T) {
			a, ok := Builtin(tt.analyzer)
			require.True(t, ok)
			assert.Equal(t, tt.want, a.Analyze(tt.input))
		})
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	a, _ := Builtin("english")
	text := "Distributed search engines index documents into shards"
	first := a.Analyze(text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, a.Analyze(text))
	}
}

func TestCustomDefinition(t *testing.T) {
	a, err := FromDefinition("contracts", Definition{
		Tokenizer: "standard",
		Filter:    []string{"lowercase", "stop"},
		Stopwords: []string{"Clause"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"indemnity", "applies"}, a.Terms("Indemnity clause applies"))
}

func TestInvalidConfigurationFailsAtSetup(t *testing.T) {
	_, err := New("bad", Config{Tokenizer: "ngram"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = FromDefinition("bad", Definition{Filter: []string{"asciifolding"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = New("bad", Config{MinTokenLength: -1})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestKeywordEmptyInput(t *testing.T) {
	a, _ := Builtin("keyword")
	assert.Empty(t, a.Analyze(""))
}

func TestStem(t *testing.T) {
	cases := map[string]string{
		"indexing":   "index",
		"documents":  "document",
		"cats":       "cat",
		"class":      "class",
		"relational": "relate",
		"is":         "is",
	}
	for in, want := range cases {
		assert.Equal(t, want, stem(in), in)
	}
}
