// Package query parses the JSON query DSL and compiles it into a Plan whose
// terms are already analyzed against the index mapping.
package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// Kind names a query clause.
type Kind string

const (
	KindMatchAll    Kind = "match_all"
	KindMatchNone   Kind = "match_none"
	KindTerm        Kind = "term"
	KindTerms       Kind = "terms"
	KindIDs         Kind = "ids"
	KindMatch       Kind = "match"
	KindMatchPhrase Kind = "match_phrase"
	KindRange       Kind = "range"
	KindExists      Kind = "exists"
	KindBool        Kind = "bool"
)

// Query is the parsed, not yet analyzed, form of a DSL clause.
type Query struct {
	Kind     Kind
	Field    string
	Text     string
	Values   []string
	Operator string
	Slop     int
	Range    Bounds
	Boost    float64

	Must               []*Query
	Should             []*Query
	MustNot            []*Query
	Filter             []*Query
	MinimumShouldMatch int
}

// Bounds holds the raw range limits. Nil means unbounded.
type Bounds struct {
	GT, GTE, LT, LTE any
}

// MatchAll is the query used when a request carries none.
func MatchAll() *Query {
	return &Query{Kind: KindMatchAll, Boost: 1}
}

// Parse decodes one DSL clause such as {"term":{"status":"active"}}. An empty
// input parses to match_all.
func Parse(raw json.RawMessage) (*Query, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return MatchAll(), nil
	}
	var clause map[string]json.RawMessage
	if err := decode(raw, &clause); err != nil {
		return nil, invalid("query must be an object: %v", err)
	}
	if len(clause) != 1 {
		return nil, invalid("query clause must have exactly one key, got %d", len(clause))
	}
	for name, body := range clause {
		return parseClause(Kind(name), body)
	}
	return nil, nil
}

func parseClause(kind Kind, body json.RawMessage) (*Query, error) {
	switch kind {
	case KindMatchAll, KindMatchNone:
		q := &Query{Kind: kind, Boost: 1}
		var opts struct {
			Boost *float64 `json:"boost"`
		}
		if err := decode(body, &opts); err != nil {
			return nil, invalid("[%s] malformed: %v", kind, err)
		}
		if opts.Boost != nil {
			q.Boost = *opts.Boost
		}
		return q, nil
	case KindTerm:
		return parseFieldClause(kind, body, "value")
	case KindMatch, KindMatchPhrase:
		return parseFieldClause(kind, body, "query")
	case KindTerms:
		return parseTerms(body)
	case KindIDs:
		var opts struct {
			Values []string `json:"values"`
		}
		if err := decode(body, &opts); err != nil {
			return nil, invalid("[ids] malformed: %v", err)
		}
		return &Query{Kind: KindIDs, Values: opts.Values, Boost: 1}, nil
	case KindExists:
		var opts struct {
			Field string `json:"field"`
		}
		if err := decode(body, &opts); err != nil || opts.Field == "" {
			return nil, invalid("[exists] requires a field")
		}
		return &Query{Kind: KindExists, Field: opts.Field, Boost: 1}, nil
	case KindRange:
		return parseRange(body)
	case KindBool:
		return parseBool(body)
	}
	return nil, invalid("unknown query [%s]", kind)
}

// parseFieldClause handles {"field": "text"} and {"field": {key: "text", ...}}.
func parseFieldClause(kind Kind, body json.RawMessage, key string) (*Query, error) {
	field, value, err := singleField(kind, body)
	if err != nil {
		return nil, err
	}
	q := &Query{Kind: kind, Field: field, Operator: "or", Boost: 1}
	if text, ok := scalar(value); ok {
		q.Text = text
		return q, nil
	}
	var opts map[string]json.RawMessage
	if err := decode(value, &opts); err != nil {
		return nil, invalid("[%s] malformed value for [%s]: %v", kind, field, err)
	}
	for name, v := range opts {
		switch name {
		case key:
			text, ok := scalar(v)
			if !ok {
				return nil, invalid("[%s] [%s] must be a scalar", kind, key)
			}
			q.Text = text
		case "operator":
			if kind != KindMatch {
				return nil, invalid("[%s] does not support [operator]", kind)
			}
			var op string
			if err := decode(v, &op); err != nil {
				return nil, invalid("[match] operator must be a string")
			}
			op = strings.ToLower(op)
			if op != "and" && op != "or" {
				return nil, invalid("[match] operator must be and|or")
			}
			q.Operator = op
		case "slop":
			if kind != KindMatchPhrase {
				return nil, invalid("[%s] does not support [slop]", kind)
			}
			if err := decode(v, &q.Slop); err != nil || q.Slop < 0 {
				return nil, invalid("[match_phrase] slop must be a non-negative integer")
			}
		case "boost":
			if err := decode(v, &q.Boost); err != nil {
				return nil, invalid("[%s] boost must be a number", kind)
			}
		case "analyzer", "case_insensitive":
			// accepted for compatibility, the field analyzer always applies
		default:
			return nil, invalid("[%s] unknown parameter [%s]", kind, name)
		}
	}
	if _, ok := opts[key]; !ok {
		return nil, invalid("[%s] requires [%s] for field [%s]", kind, key, field)
	}
	return q, nil
}

func parseTerms(body json.RawMessage) (*Query, error) {
	var fields map[string]json.RawMessage
	if err := decode(body, &fields); err != nil {
		return nil, invalid("[terms] malformed: %v", err)
	}
	q := &Query{Kind: KindTerms, Boost: 1}
	for name, v := range fields {
		if name == "boost" {
			if err := decode(v, &q.Boost); err != nil {
				return nil, invalid("[terms] boost must be a number")
			}
			continue
		}
		if q.Field != "" {
			return nil, invalid("[terms] supports a single field")
		}
		var raw []json.RawMessage
		if err := decode(v, &raw); err != nil {
			return nil, invalid("[terms] values for [%s] must be an array", name)
		}
		q.Field = name
		for _, r := range raw {
			s, ok := scalar(r)
			if !ok {
				return nil, invalid("[terms] values must be scalars")
			}
			q.Values = append(q.Values, s)
		}
	}
	if q.Field == "" {
		return nil, invalid("[terms] requires a field")
	}
	return q, nil
}

func parseRange(body json.RawMessage) (*Query, error) {
	field, value, err := singleField(KindRange, body)
	if err != nil {
		return nil, err
	}
	var opts map[string]json.RawMessage
	if err := decode(value, &opts); err != nil {
		return nil, invalid("[range] malformed bounds for [%s]", field)
	}
	q := &Query{Kind: KindRange, Field: field, Boost: 1}
	for name, v := range opts {
		var bound any
		if err := decode(v, &bound); err != nil {
			return nil, invalid("[range] malformed [%s]", name)
		}
		switch name {
		case "gt":
			q.Range.GT = bound
		case "gte", "from":
			q.Range.GTE = bound
		case "lt":
			q.Range.LT = bound
		case "lte", "to":
			q.Range.LTE = bound
		case "boost":
			if err := decode(v, &q.Boost); err != nil {
				return nil, invalid("[range] boost must be a number")
			}
		case "format", "time_zone":
		default:
			return nil, invalid("[range] unknown parameter [%s]", name)
		}
	}
	return q, nil
}

func parseBool(body json.RawMessage) (*Query, error) {
	var opts map[string]json.RawMessage
	if err := decode(body, &opts); err != nil {
		return nil, invalid("[bool] malformed: %v", err)
	}
	q := &Query{Kind: KindBool, Boost: 1, MinimumShouldMatch: -1}
	for name, v := range opts {
		var err error
		switch name {
		case "must":
			q.Must, err = parseClauses(v)
		case "should":
			q.Should, err = parseClauses(v)
		case "must_not":
			q.MustNot, err = parseClauses(v)
		case "filter":
			q.Filter, err = parseClauses(v)
		case "minimum_should_match":
			var n any
			if err := decode(v, &n); err != nil {
				return nil, invalid("[bool] malformed minimum_should_match")
			}
			q.MinimumShouldMatch, err = parseMinimumShouldMatch(n)
		case "boost":
			if derr := decode(v, &q.Boost); derr != nil {
				return nil, invalid("[bool] boost must be a number")
			}
		default:
			return nil, invalid("[bool] unknown clause [%s]", name)
		}
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}

// parseClauses accepts either a single clause object or an array of them.
func parseClauses(raw json.RawMessage) ([]*Query, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		q, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		return []*Query{q}, nil
	}
	var list []json.RawMessage
	if err := decode(raw, &list); err != nil {
		return nil, invalid("bool clauses must be an object or array")
	}
	out := make([]*Query, 0, len(list))
	for _, item := range list {
		q, err := Parse(item)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func parseMinimumShouldMatch(v any) (int, error) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		if err != nil || n < 0 {
			return 0, invalid("minimum_should_match must be a non-negative integer")
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(x)
		if err != nil || n < 0 {
			return 0, invalid("minimum_should_match must be a non-negative integer, got %q", x)
		}
		return n, nil
	}
	return 0, invalid("minimum_should_match must be a non-negative integer")
}

func singleField(kind Kind, body json.RawMessage) (string, json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := decode(body, &fields); err != nil {
		return "", nil, invalid("[%s] malformed: %v", kind, err)
	}
	if len(fields) != 1 {
		names := make([]string, 0, len(fields))
		for n := range fields {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", nil, invalid("[%s] expects exactly one field, got %v", kind, names)
	}
	for name, v := range fields {
		return name, v, nil
	}
	return "", nil, nil
}

// scalar renders a JSON string, number or boolean as text.
func scalar(raw json.RawMessage) (string, bool) {
	var v any
	if err := decode(raw, &v); err != nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func decode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func invalid(format string, args ...any) error {
	return apperrors.Wrapf(apperrors.ErrInvalidInput, "parsing_exception: %s", fmt.Sprintf(format, args...))
}
