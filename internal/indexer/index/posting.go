package index

import (
	"slices"
	"strings"
)

// Posting records the occurrences of one term in one document field.
type Posting struct {
	DocID     string
	Frequency int
	Positions []int
}

// PostingList is sorted by DocID ascending. Every list handed out by this
// package keeps that order, so boolean evaluation can merge lists in a single
// pass.
type PostingList []Posting

// DocIDs returns the document ids of the list in order.
func (p PostingList) DocIDs() []string {
	ids := make([]string, len(p))
	for i, posting := range p {
		ids[i] = posting.DocID
	}
	return ids
}

// Contains reports whether docID is present, by binary search.
func (p PostingList) Contains(docID string) bool {
	_, ok := slices.BinarySearchFunc(p, docID, func(x Posting, id string) int {
		return strings.Compare(x.DocID, id)
	})
	return ok
}

// Sorted reports whether the list holds strictly increasing doc ids.
func (p PostingList) Sorted() bool {
	for i := 1; i < len(p); i++ {
		if p[i-1].DocID >= p[i].DocID {
			return false
		}
	}
	return true
}

// FromDocIDs builds a list without positions from sorted, unique ids.
func FromDocIDs(ids []string) PostingList {
	out := make(PostingList, len(ids))
	for i, id := range ids {
		out[i] = Posting{DocID: id}
	}
	return out
}

// Intersect keeps the postings of a whose document also appears in b.
func Intersect(a, b PostingList) PostingList {
	out := make(PostingList, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := strings.Compare(a[i].DocID, b[j].DocID); {
		case c == 0:
			out = append(out, a[i])
			i++
			j++
		case c < 0:
			i++
		default:
			j++
		}
	}
	return out
}

// Union merges both lists. When a document is in both, frequencies are
// summed and positions concatenated.
func Union(a, b PostingList) PostingList {
	out := make(PostingList, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch c := strings.Compare(a[i].DocID, b[j].DocID); {
		case c == 0:
			merged := Posting{
				DocID:     a[i].DocID,
				Frequency: a[i].Frequency + b[j].Frequency,
			}
			if len(a[i].Positions)+len(b[j].Positions) > 0 {
				merged.Positions = append(append(make([]int, 0, len(a[i].Positions)+len(b[j].Positions)), a[i].Positions...), b[j].Positions...)
				slices.Sort(merged.Positions)
			}
			out = append(out, merged)
			i++
			j++
		case c < 0:
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// Difference keeps the postings of a whose document is absent from b.
func Difference(a, b PostingList) PostingList {
	out := make(PostingList, 0, len(a))
	i, j := 0, 0
	for i < len(a) {
		if j >= len(b) {
			out = append(out, a[i:]...)
			break
		}
		switch c := strings.Compare(a[i].DocID, b[j].DocID); {
		case c == 0:
			i++
			j++
		case c < 0:
			out = append(out, a[i])
			i++
		default:
			j++
		}
	}
	return out
}
