// Package analyzer turns raw text into the ordered terms stored in the
// inverted index. An Analyzer is a validated pipeline of one tokenizer and a
// fixed sequence of token filters (lowercase, stop, stemmer); the same input
// and configuration always produce the same output.
package analyzer

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// Tokenizer names.
const (
	TokenizerStandard   = "standard"
	TokenizerWhitespace = "whitespace"
	TokenizerLetter     = "letter"
	TokenizerKeyword    = "keyword"
)

// Filter names accepted in custom analyzer definitions.
const (
	FilterLowercase = "lowercase"
	FilterStop      = "stop"
	FilterStemmer   = "stemmer"
)

// Token represents a single normalised term and its position in the
// original text.
type Token struct {
	Term     string
	Position int
}

// Config enumerates the pipeline stages. Stopwords uses Stopwords set when
// non-empty, the built-in English list otherwise.
type Config struct {
	Tokenizer      string   `json:"tokenizer"`
	Lowercase      bool     `json:"lowercase"`
	Stopwords      bool     `json:"stopwords"`
	StopwordSet    []string `json:"stopword_set,omitempty"`
	Stemmer        bool     `json:"stemmer"`
	MinTokenLength int      `json:"min_token_length,omitempty"`
}

// Definition is the settings form of a custom analyzer:
// {"tokenizer": "standard", "filter": ["lowercase", "stop"]}.
type Definition struct {
	Tokenizer string   `json:"tokenizer"`
	Filter    []string `json:"filter,omitempty"`
	Stopwords []string `json:"stopwords,omitempty"`
}

// Analyzer is an immutable, validated pipeline. It is safe for concurrent use.
type Analyzer struct {
	name  string
	cfg   Config
	split func(string) []string
	stop  map[string]struct{}
}

// New validates cfg and builds an Analyzer.
func New(name string, cfg Config) (*Analyzer, error) {
	a := &Analyzer{name: name, cfg: cfg}
	switch cfg.Tokenizer {
	case TokenizerStandard, "":
		a.cfg.Tokenizer = TokenizerStandard
		a.split = splitStandard
	case TokenizerWhitespace:
		a.split = strings.Fields
	case TokenizerLetter:
		a.split = splitLetter
	case TokenizerKeyword:
		a.split = splitKeyword
	default:
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "analyzer [%s]: unknown tokenizer %q", name, cfg.Tokenizer)
	}
	if cfg.MinTokenLength < 0 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "analyzer [%s]: min_token_length must be >= 0", name)
	}
	if cfg.Stopwords {
		a.stop = englishStopwords
		if len(cfg.StopwordSet) > 0 {
			a.stop = make(map[string]struct{}, len(cfg.StopwordSet))
			for _, w := range cfg.StopwordSet {
				if cfg.Lowercase {
					w = strings.ToLower(w)
				}
				a.stop[w] = struct{}{}
			}
		}
	}
	return a, nil
}

// FromDefinition validates a custom analyzer declared in index settings.
func FromDefinition(name string, def Definition) (*Analyzer, error) {
	cfg := Config{Tokenizer: def.Tokenizer, StopwordSet: def.Stopwords}
	for _, f := range def.Filter {
		switch f {
		case FilterLowercase:
			cfg.Lowercase = true
		case FilterStop:
			cfg.Stopwords = true
		case FilterStemmer:
			cfg.Stemmer = true
		default:
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "analyzer [%s]: unknown filter %q", name, f)
		}
	}
	return New(name, cfg)
}

// Name returns the analyzer's registered name.
func (a *Analyzer) Name() string { return a.name }

// Config returns the pipeline configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Analyze breaks text into terms. Tokens removed by the stop filter still
// consume a position so phrase matching does not bridge them.
func (a *Analyzer) Analyze(text string) []Token {
	words := a.split(text)
	tokens := make([]Token, 0, len(words))
	pos := 0
	for _, word := range words {
		if a.cfg.Lowercase {
			word = strings.ToLower(word)
		}
		if len(word) < a.cfg.MinTokenLength {
			continue
		}
		if a.stop != nil {
			if _, isStop := a.stop[word]; isStop {
				pos++
				continue
			}
		}
		if a.cfg.Stemmer {
			word = stem(word)
		}
		if word == "" {
			pos++
			continue
		}
		tokens = append(tokens, Token{Term: word, Position: pos})
		pos++
	}
	return tokens
}

// Terms returns only the term strings of Analyze, in order.
func (a *Analyzer) Terms(text string) []string {
	tokens := a.Analyze(text)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}

func splitStandard(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func splitLetter(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

func splitKeyword(text string) []string {
	if text == "" {
		return nil
	}
	return []string{text}
}

// Builtin returns the named built-in analyzer.
func Builtin(name string) (*Analyzer, bool) {
	a, ok := builtins[name]
	return a, ok
}

// BuiltinNames lists the built-in analyzer names in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var builtins = func() map[string]*Analyzer {
	defs := map[string]Config{
		"standard":   {Tokenizer: TokenizerStandard, Lowercase: true},
		"simple":     {Tokenizer: TokenizerLetter, Lowercase: true},
		"whitespace": {Tokenizer: TokenizerWhitespace},
		"keyword":    {Tokenizer: TokenizerKeyword},
		"english":    {Tokenizer: TokenizerStandard, Lowercase: true, Stopwords: true, Stemmer: true},
	}
	out := make(map[string]*Analyzer, len(defs))
	for name, cfg := range defs {
		a, err := New(name, cfg)
		if err != nil {
			panic(fmt.Sprintf("built-in analyzer %s: %v", name, err))
		}
		out[name] = a
	}
	return out
}()

var englishStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "such": {}, "that": {}, "the": {}, "their": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"to": {}, "was": {}, "will": {}, "with": {},
}
