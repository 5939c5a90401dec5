// Package schema holds an index's field mappings. The registry is mutable but
// append-only: fields can be added, never retyped. Documents are validated
// and converted into typed values against it at write time.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// FieldType enumerates the supported mapping types.
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeKeyword FieldType = "keyword"
	TypeDate    FieldType = "date"
	TypeLong    FieldType = "long"
	TypeInteger FieldType = "integer"
	TypeDouble  FieldType = "double"
	TypeFloat   FieldType = "float"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
)

// Valid reports whether t is a known leaf or object type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeText, TypeKeyword, TypeDate, TypeLong, TypeInteger, TypeDouble, TypeFloat, TypeBoolean, TypeObject:
		return true
	}
	return false
}

// Numeric reports whether values of t carry a numeric doc value usable by
// range queries.
func (t FieldType) Numeric() bool {
	switch t {
	case TypeLong, TypeInteger, TypeDouble, TypeFloat, TypeDate:
		return true
	}
	return false
}

// FieldMapping describes one field. Properties is set for object fields and
// Fields for multi-fields such as "title.keyword".
type FieldMapping struct {
	Type       FieldType               `json:"type,omitempty"`
	Analyzer   string                  `json:"analyzer,omitempty"`
	Properties map[string]FieldMapping `json:"properties,omitempty"`
	Fields     map[string]FieldMapping `json:"fields,omitempty"`
}

// Dynamic controls how unmapped fields are handled.
type Dynamic string

const (
	DynamicTrue   Dynamic = "true"
	DynamicFalse  Dynamic = "false"
	DynamicStrict Dynamic = "strict"
)

// UnmarshalJSON accepts both booleans and the strings true|false|strict.
func (d *Dynamic) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*d = DynamicTrue
		} else {
			*d = DynamicFalse
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("dynamic must be a boolean or string: %w", err)
	}
	switch Dynamic(s) {
	case DynamicTrue, DynamicFalse, DynamicStrict:
		*d = Dynamic(s)
		return nil
	}
	return fmt.Errorf("dynamic must be true, false or strict, got %q", s)
}

// Mappings is the "mappings" section of an index definition.
type Mappings struct {
	Dynamic    Dynamic                 `json:"dynamic,omitempty"`
	Properties map[string]FieldMapping `json:"properties,omitempty"`
}

// Value is a tagged variant holding one typed field value.
type Value struct {
	Type FieldType
	Str  string
	Num  float64
	Bool bool
}

// Term returns the exact term under which the value is indexed for
// non-text types.
func (v Value) Term() string {
	switch v.Type {
	case TypeKeyword, TypeText:
		return v.Str
	case TypeBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	}
}

// Coerce converts a decoded JSON scalar into a Value of type t.
func Coerce(field string, t FieldType, raw any) (Value, error) {
	switch t {
	case TypeText, TypeKeyword:
		switch x := raw.(type) {
		case string:
			return Value{Type: t, Str: x}, nil
		case json.Number:
			return Value{Type: t, Str: x.String()}, nil
		case float64:
			return Value{Type: t, Str: strconv.FormatFloat(x, 'f', -1, 64)}, nil
		case bool:
			return Value{Type: t, Str: strconv.FormatBool(x)}, nil
		}
	case TypeLong, TypeInteger:
		f, err := toFloat(raw)
		if err != nil {
			return Value{}, mappingErr(field, t, raw)
		}
		if f != math.Trunc(f) {
			return Value{}, mappingErr(field, t, raw)
		}
		if t == TypeInteger && (f > math.MaxInt32 || f < math.MinInt32) {
			return Value{}, mappingErr(field, t, raw)
		}
		return Value{Type: t, Num: f}, nil
	case TypeDouble, TypeFloat:
		f, err := toFloat(raw)
		if err != nil {
			return Value{}, mappingErr(field, t, raw)
		}
		return Value{Type: t, Num: f}, nil
	case TypeDate:
		switch x := raw.(type) {
		case string:
			ts, err := ParseDate(x)
			if err != nil {
				return Value{}, mappingErr(field, t, raw)
			}
			return Value{Type: t, Num: float64(ts.UnixMilli())}, nil
		default:
			f, err := toFloat(raw)
			if err != nil {
				return Value{}, mappingErr(field, t, raw)
			}
			return Value{Type: t, Num: f}, nil
		}
	case TypeBoolean:
		switch x := raw.(type) {
		case bool:
			return Value{Type: t, Bool: x}, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err == nil {
				return Value{Type: t, Bool: b}, nil
			}
		}
	}
	return Value{}, mappingErr(field, t, raw)
}

func mappingErr(field string, t FieldType, raw any) error {
	return apperrors.Wrapf(apperrors.ErrMapping, "failed to parse field [%s] of type [%s]: value %v", field, t, raw)
}

func toFloat(raw any) (float64, error) {
	switch x := raw.(type) {
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("not a number: %v", raw)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate accepts strict_date_optional_time-like strings.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
