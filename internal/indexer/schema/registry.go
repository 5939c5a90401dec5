package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/analyzer"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// positionGap separates the values of multi-valued text fields so phrase
// queries do not match across array elements.
const positionGap = 100

// ParsedField is one leaf field of a document after mapping.
type ParsedField struct {
	Name   string
	Type   FieldType
	Values []Value
	Tokens []analyzer.Token
}

// Parsed is a document converted against the registry.
type Parsed struct {
	Fields []ParsedField
	// Added holds dynamically introduced fields in nested mapping form, nil
	// when the document only used known fields.
	Added map[string]FieldMapping
}

// Registry is an index's mutable, append-only mapping.
type Registry struct {
	mu        sync.RWMutex
	dynamic   Dynamic
	tree      map[string]FieldMapping
	leaves    map[string]FieldMapping
	analyzers map[string]*analyzer.Analyzer
}

// NewRegistry validates the initial mappings against the available analyzers.
// Custom analyzers override built-ins of the same name.
func NewRegistry(m Mappings, custom map[string]*analyzer.Analyzer) (*Registry, error) {
	analyzers := make(map[string]*analyzer.Analyzer)
	for _, name := range analyzer.BuiltinNames() {
		a, _ := analyzer.Builtin(name)
		analyzers[name] = a
	}
	for name, a := range custom {
		analyzers[name] = a
	}
	dyn := m.Dynamic
	if dyn == "" {
		dyn = DynamicTrue
	}
	r := &Registry{
		dynamic:   dyn,
		tree:      make(map[string]FieldMapping),
		leaves:    make(map[string]FieldMapping),
		analyzers: analyzers,
	}
	if _, err := r.Merge(m.Properties); err != nil {
		return nil, err
	}
	return r, nil
}

// Mappings returns a copy of the current mapping tree.
func (r *Registry) Mappings() Mappings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Mappings{Dynamic: r.dynamic, Properties: cloneProps(r.tree)}
}

// Field returns the leaf mapping for a dotted field name.
func (r *Registry) Field(name string) (FieldMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fm, ok := r.leaves[name]
	return fm, ok
}

// FieldNames lists all leaf fields, sorted.
func (r *Registry) FieldNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.leaves))
	for n := range r.leaves {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Analyzer returns the analyzer used for a field at index and search time.
// Non-text fields use the keyword analyzer.
func (r *Registry) Analyzer(field string) *analyzer.Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.analyzerLocked(r.leaves[field])
}

func (r *Registry) analyzerLocked(fm FieldMapping) *analyzer.Analyzer {
	if fm.Type != TypeText {
		return r.analyzers["keyword"]
	}
	name := fm.Analyzer
	if name == "" {
		name = "standard"
	}
	return r.analyzers[name]
}

// Merge adds fields to the mapping. Retyping an existing field fails with
// ErrMapping and leaves the registry untouched. It reports whether any new
// leaf was added.
func (r *Registry) Merge(props map[string]FieldMapping) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mergeLocked(props)
}

func (r *Registry) mergeLocked(props map[string]FieldMapping) (bool, error) {
	flat := make(map[string]FieldMapping)
	if err := r.flatten("", props, flat); err != nil {
		return false, err
	}
	added := false
	for name, fm := range flat {
		existing, ok := r.leaves[name]
		if !ok {
			if r.isObjectPath(name) {
				return false, apperrors.Wrapf(apperrors.ErrMapping, "field [%s] is an object and cannot be mapped as [%s]", name, fm.Type)
			}
			added = true
			continue
		}
		if existing.Type != fm.Type {
			return false, apperrors.Wrapf(apperrors.ErrMapping,
				"mapper [%s] cannot be changed from type [%s] to [%s]", name, existing.Type, fm.Type)
		}
		if fm.Type == TypeText && fm.Analyzer != "" && fm.Analyzer != existing.Analyzer {
			return false, apperrors.Wrapf(apperrors.ErrMapping,
				"mapper [%s] has different [analyzer]", name)
		}
	}
	for name := range flat {
		if parent, ok := r.leafPrefix(name, flat); ok {
			return false, apperrors.Wrapf(apperrors.ErrMapping, "field [%s] is mapped as [%s] and cannot hold object [%s]", parent, r.leaves[parent].Type, name)
		}
	}
	if !added {
		return false, nil
	}
	for name, fm := range flat {
		existing, ok := r.leaves[name]
		if !ok {
			r.leaves[name] = fm
			continue
		}
		if len(fm.Fields) == 0 {
			continue
		}
		fields := make(map[string]FieldMapping, len(existing.Fields)+len(fm.Fields))
		for sub, sfm := range existing.Fields {
			fields[sub] = sfm
		}
		for sub, sfm := range fm.Fields {
			if _, ok := fields[sub]; !ok {
				fields[sub] = sfm
			}
		}
		existing.Fields = fields
		r.leaves[name] = existing
	}
	mergeTree(r.tree, props)
	return true, nil
}

// isObjectPath reports whether some known leaf lives underneath name. Leaves
// themselves are never object paths, which keeps multi-fields out.
func (r *Registry) isObjectPath(name string) bool {
	if _, ok := r.leaves[name]; ok {
		return false
	}
	prefix := name + "."
	for leaf := range r.leaves {
		if strings.HasPrefix(leaf, prefix) {
			return true
		}
	}
	return false
}

// leafPrefix finds a known leaf that is a strict dotted prefix of name,
// ignoring multi-field children declared on it.
func (r *Registry) leafPrefix(name string, flat map[string]FieldMapping) (string, bool) {
	parts := strings.Split(name, ".")
	for i := 1; i < len(parts); i++ {
		p := strings.Join(parts[:i], ".")
		fm, ok := r.leaves[p]
		if !ok {
			continue
		}
		if i == len(parts)-1 {
			if _, sub := fm.Fields[parts[i]]; sub {
				continue
			}
			if _, sub := flat[p].Fields[parts[i]]; sub {
				continue
			}
		}
		return p, true
	}
	return "", false
}

func (r *Registry) flatten(prefix string, props map[string]FieldMapping, out map[string]FieldMapping) error {
	for name, fm := range props {
		if name == "" || strings.Contains(name, ".") {
			return apperrors.Wrapf(apperrors.ErrMapping, "invalid field name [%s%s]", prefix, name)
		}
		full := prefix + name
		if fm.Type == "" && fm.Properties != nil {
			fm.Type = TypeObject
		}
		if !fm.Type.Valid() {
			return apperrors.Wrapf(apperrors.ErrMapping, "no handler for type [%s] declared on field [%s]", fm.Type, full)
		}
		if fm.Type == TypeObject {
			if err := r.flatten(full+".", fm.Properties, out); err != nil {
				return err
			}
			continue
		}
		if fm.Type == TypeText {
			name := fm.Analyzer
			if name == "" {
				name = "standard"
			}
			if _, ok := r.analyzers[name]; !ok {
				return apperrors.Wrapf(apperrors.ErrMapping, "analyzer [%s] has not been configured in mappings for field [%s]", name, full)
			}
		} else if fm.Analyzer != "" {
			return apperrors.Wrapf(apperrors.ErrMapping, "analyzer is only supported on text fields, field [%s] is [%s]", full, fm.Type)
		}
		leaf := FieldMapping{Type: fm.Type, Analyzer: fm.Analyzer}
		if fm.Fields != nil {
			leaf.Fields = cloneProps(fm.Fields)
		}
		out[full] = leaf
		for sub, sfm := range fm.Fields {
			if !sfm.Type.Valid() || sfm.Type == TypeObject {
				return apperrors.Wrapf(apperrors.ErrMapping, "invalid multi-field type [%s] on [%s.%s]", sfm.Type, full, sub)
			}
			out[full+"."+sub] = FieldMapping{Type: sfm.Type, Analyzer: sfm.Analyzer}
		}
	}
	return nil
}

// Parse validates a JSON source and converts it into typed, analyzed fields.
// Unmapped fields are added, ignored or rejected according to the dynamic
// setting.
func (r *Registry) Parse(source json.RawMessage) (*Parsed, error) {
	dec := json.NewDecoder(bytes.NewReader(source))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrMapping, "failed to parse document source: %v", err)
	}
	if obj == nil {
		return nil, apperrors.Wrapf(apperrors.ErrMapping, "document source must be a JSON object")
	}

	w := &walker{reg: r, raw: make(map[string][]any), added: make(map[string]FieldMapping)}
	r.mu.RLock()
	err := w.walk("", obj)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	parsed := &Parsed{}
	if len(w.added) > 0 {
		if _, err := r.Merge(w.added); err != nil {
			return nil, err
		}
		parsed.Added = w.added
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(w.raw))
	for n := range w.raw {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		fm, ok := r.leaves[name]
		if !ok {
			continue
		}
		pf, err := r.buildField(name, fm, w.raw[name])
		if err != nil {
			return nil, err
		}
		parsed.Fields = append(parsed.Fields, pf)
		subs := make([]string, 0, len(fm.Fields))
		for sub := range fm.Fields {
			subs = append(subs, sub)
		}
		sort.Strings(subs)
		for _, sub := range subs {
			subName := name + "." + sub
			sfm, ok := r.leaves[subName]
			if !ok {
				continue
			}
			spf, err := r.buildField(subName, sfm, w.raw[name])
			if err != nil {
				return nil, err
			}
			parsed.Fields = append(parsed.Fields, spf)
		}
	}
	return parsed, nil
}

func (r *Registry) buildField(name string, fm FieldMapping, raws []any) (ParsedField, error) {
	pf := ParsedField{Name: name, Type: fm.Type}
	a := r.analyzerLocked(fm)
	base := 0
	for _, raw := range raws {
		v, err := Coerce(name, fm.Type, raw)
		if err != nil {
			return ParsedField{}, err
		}
		pf.Values = append(pf.Values, v)
		var tokens []analyzer.Token
		if fm.Type == TypeText {
			tokens = a.Analyze(v.Str)
		} else {
			tokens = []analyzer.Token{{Term: v.Term()}}
		}
		last := -1
		for _, tok := range tokens {
			tok.Position += base
			pf.Tokens = append(pf.Tokens, tok)
			last = tok.Position
		}
		if last >= base {
			base = last + positionGap
		} else {
			base += positionGap
		}
	}
	return pf, nil
}

type walker struct {
	reg   *Registry
	raw   map[string][]any
	added map[string]FieldMapping
}

func (w *walker) walk(prefix string, obj map[string]any) error {
	for key, val := range obj {
		if key == "" {
			return apperrors.Wrapf(apperrors.ErrMapping, "field name cannot be empty under [%s]", strings.TrimSuffix(prefix, "."))
		}
		if err := w.value(prefix+key, val); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) value(name string, val any) error {
	switch x := val.(type) {
	case nil:
		return nil
	case map[string]any:
		if fm, ok := w.reg.leaves[name]; ok {
			return apperrors.Wrapf(apperrors.ErrMapping, "field [%s] of type [%s] cannot hold an object", name, fm.Type)
		}
		return w.walk(name+".", x)
	case []any:
		for _, el := range x {
			if err := w.value(name, el); err != nil {
				return err
			}
		}
		return nil
	default:
		if w.reg.isObjectPath(name) {
			return apperrors.Wrapf(apperrors.ErrMapping, "field [%s] is an object and cannot hold value %v", name, val)
		}
		if _, ok := w.reg.leaves[name]; ok {
			w.raw[name] = append(w.raw[name], val)
			return nil
		}
		if _, ok := flatLookup(w.added, name); ok {
			w.raw[name] = append(w.raw[name], val)
			return nil
		}
		switch w.reg.dynamic {
		case DynamicStrict:
			return apperrors.Wrapf(apperrors.ErrMapping, "mapping set to strict, dynamic introduction of [%s] is not allowed", name)
		case DynamicFalse:
			return nil
		}
		setNested(w.added, name, inferMapping(val))
		w.raw[name] = append(w.raw[name], val)
		return nil
	}
}

// inferMapping picks a type for a dynamically introduced field.
func inferMapping(val any) FieldMapping {
	switch x := val.(type) {
	case bool:
		return FieldMapping{Type: TypeBoolean}
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return FieldMapping{Type: TypeLong}
		}
		return FieldMapping{Type: TypeFloat}
	case float64:
		return FieldMapping{Type: TypeFloat}
	case string:
		if _, err := ParseDate(x); err == nil {
			return FieldMapping{Type: TypeDate}
		}
	}
	return FieldMapping{
		Type:   TypeText,
		Fields: map[string]FieldMapping{"keyword": {Type: TypeKeyword}},
	}
}

func setNested(props map[string]FieldMapping, name string, fm FieldMapping) {
	parts := strings.Split(name, ".")
	for _, p := range parts[:len(parts)-1] {
		obj, ok := props[p]
		if !ok {
			obj = FieldMapping{Type: TypeObject, Properties: make(map[string]FieldMapping)}
		}
		if obj.Properties == nil {
			obj.Properties = make(map[string]FieldMapping)
		}
		props[p] = obj
		props = obj.Properties
	}
	props[parts[len(parts)-1]] = fm
}

func flatLookup(props map[string]FieldMapping, name string) (FieldMapping, bool) {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		fm, ok := props[p]
		if !ok {
			return FieldMapping{}, false
		}
		if i == len(parts)-1 {
			return fm, fm.Type != TypeObject
		}
		props = fm.Properties
	}
	return FieldMapping{}, false
}

func mergeTree(dst, src map[string]FieldMapping) {
	for name, fm := range src {
		existing, ok := dst[name]
		if !ok {
			dst[name] = cloneMapping(fm)
			continue
		}
		if existing.Type == TypeObject || (existing.Type == "" && existing.Properties != nil) {
			if existing.Properties == nil {
				existing.Properties = make(map[string]FieldMapping)
			}
			mergeTree(existing.Properties, fm.Properties)
			dst[name] = existing
			continue
		}
		for sub, sfm := range fm.Fields {
			if existing.Fields == nil {
				existing.Fields = make(map[string]FieldMapping)
			}
			if _, ok := existing.Fields[sub]; !ok {
				existing.Fields[sub] = sfm
			}
		}
		dst[name] = existing
	}
}

func cloneMapping(fm FieldMapping) FieldMapping {
	out := FieldMapping{Type: fm.Type, Analyzer: fm.Analyzer}
	if fm.Properties != nil {
		out.Properties = cloneProps(fm.Properties)
	}
	if fm.Fields != nil {
		out.Fields = cloneProps(fm.Fields)
	}
	return out
}

func cloneProps(props map[string]FieldMapping) map[string]FieldMapping {
	out := make(map[string]FieldMapping, len(props))
	for k, v := range props {
		out[k] = cloneMapping(v)
	}
	return out
}

// String renders the mapping for log lines.
func (m Mappings) String() string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("mappings(%d fields)", len(m.Properties))
	}
	return string(data)
}
