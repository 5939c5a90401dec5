package index

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/analyzer"
)

// Field is one analyzed field of a document ready for indexing. Values holds
// numeric doc values (dates as epoch millis) for range evaluation.
type Field struct {
	Name   string
	Tokens []analyzer.Token
	Values []float64
}

// Document is the unit handed to Store.Index.
type Document struct {
	ID      string
	Version int64
	SeqNo   int64
	Source  json.RawMessage
	Fields  []Field
}

// DocRecord is the stored form of a document.
type DocRecord struct {
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	SeqNo   int64           `json:"seq_no"`
	Source  json.RawMessage `json:"source"`
}

// segment is immutable once built. gen orders segments: a newer instance of
// a document always lives in a segment with a higher gen.
type segment struct {
	gen      uint64
	docs     map[string]*DocRecord
	postings map[string]map[string]PostingList
	lengths  map[string]map[string]int
	values   map[string]map[string][]float64
}

func emptySegment(gen uint64) *segment {
	return &segment{
		gen:      gen,
		docs:     make(map[string]*DocRecord),
		postings: make(map[string]map[string]PostingList),
		lengths:  make(map[string]map[string]int),
		values:   make(map[string]map[string][]float64),
	}
}

// buildSegment indexes docs into a new segment. Later duplicates of an id
// win over earlier ones.
func buildSegment(gen uint64, docs []Document) *segment {
	latest := make(map[string]int, len(docs))
	for i, d := range docs {
		latest[d.ID] = i
	}
	ordered := make([]Document, 0, len(latest))
	for i, d := range docs {
		if latest[d.ID] == i {
			ordered = append(ordered, d)
		}
	}
	slices.SortFunc(ordered, func(a, b Document) int { return strings.Compare(a.ID, b.ID) })

	seg := emptySegment(gen)
	for _, d := range ordered {
		seg.docs[d.ID] = &DocRecord{ID: d.ID, Version: d.Version, SeqNo: d.SeqNo, Source: d.Source}
		for _, f := range d.Fields {
			seg.addField(d.ID, f)
		}
	}
	return seg
}

// addField must be called in ascending doc id order.
func (s *segment) addField(docID string, f Field) {
	if len(f.Tokens) > 0 {
		terms := s.postings[f.Name]
		if terms == nil {
			terms = make(map[string]PostingList)
			s.postings[f.Name] = terms
		}
		local := make(map[string]*Posting)
		order := make([]string, 0, len(f.Tokens))
		for _, tok := range f.Tokens {
			p, ok := local[tok.Term]
			if !ok {
				p = &Posting{DocID: docID, Positions: make([]int, 0, 2)}
				local[tok.Term] = p
				order = append(order, tok.Term)
			}
			p.Frequency++
			p.Positions = append(p.Positions, tok.Position)
		}
		for _, term := range order {
			terms[term] = append(terms[term], *local[term])
		}
	}
	lengths := s.lengths[f.Name]
	if lengths == nil {
		lengths = make(map[string]int)
		s.lengths[f.Name] = lengths
	}
	lengths[docID] += len(f.Tokens)
	if len(f.Values) > 0 {
		values := s.values[f.Name]
		if values == nil {
			values = make(map[string][]float64)
			s.values[f.Name] = values
		}
		values[docID] = append(values[docID], f.Values...)
	}
}

// mergeSegments copies the live documents of segs into one segment with the
// given gen.
func mergeSegments(gen uint64, segs []*segment, alive func(*segment, string) bool) (*segment, int) {
	out := emptySegment(gen)
	dropped := 0
	for _, seg := range segs {
		for id, rec := range seg.docs {
			if alive(seg, id) {
				out.docs[id] = rec
			} else {
				dropped++
			}
		}
		for field, terms := range seg.postings {
			dst := out.postings[field]
			if dst == nil {
				dst = make(map[string]PostingList)
				out.postings[field] = dst
			}
			for term, list := range terms {
				for _, p := range list {
					if alive(seg, p.DocID) {
						dst[term] = append(dst[term], p)
					}
				}
			}
		}
		for field, lengths := range seg.lengths {
			dst := out.lengths[field]
			if dst == nil {
				dst = make(map[string]int)
				out.lengths[field] = dst
			}
			for id, n := range lengths {
				if alive(seg, id) {
					dst[id] = n
				}
			}
		}
		for field, values := range seg.values {
			dst := out.values[field]
			if dst == nil {
				dst = make(map[string][]float64)
				out.values[field] = dst
			}
			for id, v := range values {
				if alive(seg, id) {
					dst[id] = v
				}
			}
		}
	}
	for field, terms := range out.postings {
		for term, list := range terms {
			if len(list) == 0 {
				delete(terms, term)
				continue
			}
			slices.SortFunc(list, func(a, b Posting) int { return strings.Compare(a.DocID, b.DocID) })
		}
		if len(terms) == 0 {
			delete(out.postings, field)
		}
	}
	return out, dropped
}
