package query

import (
	"encoding/json"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/analyzer"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// Mapping is the view of an index's schema needed to compile a query.
type Mapping interface {
	Field(name string) (schema.FieldMapping, bool)
	Analyzer(field string) *analyzer.Analyzer
}

// Node is one compiled clause. Terms are final index terms; for phrases
// Positions holds the query-relative position of each term.
type Node struct {
	Kind      Kind
	Field     string
	Terms     []string
	Positions []int
	// MinMatch is the number of Terms a document must contain.
	MinMatch int
	Slop     int

	Lower, Upper               *float64
	IncludeLower, IncludeUpper bool

	Must, Should, MustNot, Filter []*Node
	MinimumShouldMatch            int

	Boost float64
}

// Plan is a compiled query, shared read-only by every shard of an index.
type Plan struct {
	Root *Node
}

// Compile analyzes q against m. Clauses on unmapped fields match nothing.
func Compile(q *Query, m Mapping) (*Plan, error) {
	root, err := compile(q, m)
	if err != nil {
		return nil, err
	}
	return &Plan{Root: root}, nil
}

func compile(q *Query, m Mapping) (*Node, error) {
	boost := q.Boost
	if boost == 0 {
		boost = 1
	}
	switch q.Kind {
	case KindMatchAll, KindMatchNone:
		return &Node{Kind: q.Kind, Boost: boost}, nil
	case KindIDs:
		ids := slices.Clone(q.Values)
		slices.Sort(ids)
		return &Node{Kind: KindIDs, Terms: slices.Compact(ids), Boost: boost}, nil
	case KindExists:
		if _, ok := m.Field(q.Field); !ok {
			return none(), nil
		}
		return &Node{Kind: KindExists, Field: q.Field, Boost: boost}, nil
	case KindTerm, KindTerms:
		fm, ok := m.Field(q.Field)
		if !ok {
			return none(), nil
		}
		values := q.Values
		if q.Kind == KindTerm {
			values = []string{q.Text}
		}
		terms := make([]string, 0, len(values))
		for _, v := range values {
			t, err := exactTerm(q.Field, fm, v)
			if err != nil {
				return nil, err
			}
			terms = append(terms, t)
		}
		slices.Sort(terms)
		terms = slices.Compact(terms)
		return &Node{Kind: KindTerms, Field: q.Field, Terms: terms, MinMatch: 1, Boost: boost}, nil
	case KindMatch, KindMatchPhrase:
		return compileMatch(q, m, boost)
	case KindRange:
		return compileRange(q, m, boost)
	case KindBool:
		return compileBool(q, m, boost)
	}
	return nil, invalid("unknown query [%s]", q.Kind)
}

func compileMatch(q *Query, m Mapping, boost float64) (*Node, error) {
	fm, ok := m.Field(q.Field)
	if !ok {
		return none(), nil
	}
	if fm.Type != schema.TypeText {
		t, err := exactTerm(q.Field, fm, q.Text)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindTerms, Field: q.Field, Terms: []string{t}, MinMatch: 1, Boost: boost}, nil
	}
	tokens := m.Analyzer(q.Field).Analyze(q.Text)
	if len(tokens) == 0 {
		return none(), nil
	}
	if q.Kind == KindMatchPhrase {
		n := &Node{Kind: KindMatchPhrase, Field: q.Field, Slop: q.Slop, Boost: boost}
		base := tokens[0].Position
		for _, tok := range tokens {
			n.Terms = append(n.Terms, tok.Term)
			n.Positions = append(n.Positions, tok.Position-base)
		}
		n.MinMatch = len(n.Terms)
		return n, nil
	}
	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		terms = append(terms, tok.Term)
	}
	slices.Sort(terms)
	terms = slices.Compact(terms)
	n := &Node{Kind: KindMatch, Field: q.Field, Terms: terms, MinMatch: 1, Boost: boost}
	if q.Operator == "and" {
		n.MinMatch = len(terms)
	}
	return n, nil
}

func compileRange(q *Query, m Mapping, boost float64) (*Node, error) {
	fm, ok := m.Field(q.Field)
	if !ok {
		return none(), nil
	}
	if !fm.Type.Numeric() {
		return nil, invalid("[range] is only supported on numeric and date fields, [%s] is [%s]", q.Field, fm.Type)
	}
	n := &Node{Kind: KindRange, Field: q.Field, Boost: boost}
	bound := func(raw any) (*float64, error) {
		v, err := schema.Coerce(q.Field, fm.Type, raw)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "[range] failed to parse bound %v for field [%s]", raw, q.Field)
		}
		return &v.Num, nil
	}
	var err error
	switch {
	case q.Range.GTE != nil:
		n.Lower, err = bound(q.Range.GTE)
		n.IncludeLower = true
	case q.Range.GT != nil:
		n.Lower, err = bound(q.Range.GT)
	}
	if err != nil {
		return nil, err
	}
	switch {
	case q.Range.LTE != nil:
		n.Upper, err = bound(q.Range.LTE)
		n.IncludeUpper = true
	case q.Range.LT != nil:
		n.Upper, err = bound(q.Range.LT)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func compileBool(q *Query, m Mapping, boost float64) (*Node, error) {
	n := &Node{Kind: KindBool, Boost: boost}
	groups := []struct {
		in  []*Query
		out *[]*Node
	}{
		{q.Must, &n.Must},
		{q.Should, &n.Should},
		{q.MustNot, &n.MustNot},
		{q.Filter, &n.Filter},
	}
	for _, g := range groups {
		for _, child := range g.in {
			c, err := compile(child, m)
			if err != nil {
				return nil, err
			}
			*g.out = append(*g.out, c)
		}
	}
	n.MinimumShouldMatch = q.MinimumShouldMatch
	if n.MinimumShouldMatch < 0 {
		n.MinimumShouldMatch = 0
		if len(n.Should) > 0 && len(n.Must) == 0 && len(n.Filter) == 0 {
			n.MinimumShouldMatch = 1
		}
	}
	if n.MinimumShouldMatch > len(n.Should) {
		return none(), nil
	}
	return n, nil
}

// exactTerm normalizes a query value to the term a field of fm's type was
// indexed under.
func exactTerm(field string, fm schema.FieldMapping, text string) (string, error) {
	switch fm.Type {
	case schema.TypeText, schema.TypeKeyword:
		return text, nil
	}
	var raw any = text
	if fm.Type != schema.TypeDate && fm.Type != schema.TypeBoolean {
		raw = json.Number(text)
	}
	v, err := schema.Coerce(field, fm.Type, raw)
	if err != nil && fm.Type == schema.TypeDate {
		v, err = schema.Coerce(field, fm.Type, json.Number(text))
	}
	if err != nil {
		return "", apperrors.Wrapf(apperrors.ErrInvalidInput, "failed to parse [%s] as [%s] for field [%s]", text, fm.Type, field)
	}
	return v.Term(), nil
}

func none() *Node {
	return &Node{Kind: KindMatchNone, Boost: 1}
}
