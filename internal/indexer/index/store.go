// Package index implements a shard's inverted index as a set of immutable
// segments. Writers install a new View atomically; readers load the current
// View and never take a lock.
package index

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FieldStats are the per-field collection statistics used by BM25.
type FieldStats struct {
	Docs      int
	SumLength int
}

// AvgLength is the mean field length over documents that have the field.
func (f FieldStats) AvgLength() float64 {
	if f.Docs == 0 {
		return 0
	}
	return float64(f.SumLength) / float64(f.Docs)
}

// View is a consistent, read-only snapshot of the store.
type View struct {
	gen      uint64
	segments []*segment
	// tombs maps a doc id to the gen below which its instances are dead.
	tombs map[string]uint64

	once   sync.Once
	ids    []string
	fields map[string]FieldStats
}

func (v *View) alive(seg *segment, id string) bool {
	return seg.gen >= v.tombs[id]
}

// Generation increases with every write installed in the store.
func (v *View) Generation() uint64 { return v.gen }

// Segments is the number of segments backing the view.
func (v *View) Segments() int { return len(v.segments) }

// Tombstones is the number of deleted or superseded ids not yet reclaimed.
func (v *View) Tombstones() int { return len(v.tombs) }

// Lookup returns the live postings for term in field, sorted by doc id.
func (v *View) Lookup(field, term string) PostingList {
	var out PostingList
	contributing := 0
	for _, seg := range v.segments {
		list := seg.postings[field][term]
		if len(list) == 0 {
			continue
		}
		contributing++
		for _, p := range list {
			if v.alive(seg, p.DocID) {
				out = append(out, p)
			}
		}
	}
	if contributing > 1 {
		slices.SortFunc(out, func(a, b Posting) int { return strings.Compare(a.DocID, b.DocID) })
	}
	return out
}

// Doc returns the live record for id.
func (v *View) Doc(id string) (DocRecord, bool) {
	for i := len(v.segments) - 1; i >= 0; i-- {
		seg := v.segments[i]
		if rec, ok := seg.docs[id]; ok && v.alive(seg, id) {
			return *rec, true
		}
	}
	return DocRecord{}, false
}

// Has reports whether id is live.
func (v *View) Has(id string) bool {
	_, ok := v.Doc(id)
	return ok
}

// DocIDs returns all live doc ids, sorted.
func (v *View) DocIDs() []string {
	v.collect()
	return v.ids
}

// DocCount is the number of live documents.
func (v *View) DocCount() int {
	v.collect()
	return len(v.ids)
}

// Documents returns every live record sorted by id.
func (v *View) Documents() []DocRecord {
	ids := v.DocIDs()
	out := make([]DocRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := v.Doc(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// FieldStats returns the statistics of field over live documents.
func (v *View) FieldStats(field string) FieldStats {
	v.collect()
	return v.fields[field]
}

// FieldLength is the number of tokens id holds in field.
func (v *View) FieldLength(field, id string) int {
	for i := len(v.segments) - 1; i >= 0; i-- {
		seg := v.segments[i]
		if n, ok := seg.lengths[field][id]; ok && v.alive(seg, id) {
			return n
		}
	}
	return 0
}

// FieldDocs returns the sorted live documents that have a value for field.
func (v *View) FieldDocs(field string) []string {
	var ids []string
	for _, seg := range v.segments {
		for id := range seg.lengths[field] {
			if v.alive(seg, id) {
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

// Values returns the numeric doc values of id in field.
func (v *View) Values(field, id string) []float64 {
	for i := len(v.segments) - 1; i >= 0; i-- {
		seg := v.segments[i]
		if vals, ok := seg.values[field][id]; ok && v.alive(seg, id) {
			return vals
		}
	}
	return nil
}

func (v *View) collect() {
	v.once.Do(func() {
		v.fields = make(map[string]FieldStats)
		for _, seg := range v.segments {
			for id := range seg.docs {
				if v.alive(seg, id) {
					v.ids = append(v.ids, id)
				}
			}
			for field, lengths := range seg.lengths {
				st := v.fields[field]
				for id, n := range lengths {
					if v.alive(seg, id) {
						st.Docs++
						st.SumLength += n
					}
				}
				v.fields[field] = st
			}
		}
		slices.Sort(v.ids)
	})
}

// CompactionResult summarises one compaction run.
type CompactionResult struct {
	SegmentsBefore int
	SegmentsAfter  int
	Reclaimed      int
	Duration       time.Duration
}

// Store is a shard's inverted index. Index and Delete are serialized by an
// internal mutex; all reads go through View.
type Store struct {
	mu         sync.Mutex
	gen        uint64
	current    atomic.Pointer[View]
	compacting atomic.Bool
	logger     *slog.Logger
}

func NewStore(name string) *Store {
	s := &Store{
		logger: slog.Default().With("component", "index-store", "store", name),
	}
	s.current.Store(&View{tombs: map[string]uint64{}})
	return s
}

// View returns the current snapshot.
func (s *Store) View() *View {
	return s.current.Load()
}

// Lookup is a shorthand for s.View().Lookup.
func (s *Store) Lookup(field, term string) PostingList {
	return s.View().Lookup(field, term)
}

// Mutation is one change of a batch: Doc is indexed, or only its ID is
// deleted when Delete is set.
type Mutation struct {
	Doc    Document
	Delete bool
}

// Index adds doc, superseding any live instance with the same id.
func (s *Store) Index(doc Document) {
	s.Apply([]Mutation{{Doc: doc}})
}

// Apply installs a batch of changes as a single segment and one new view.
// The last mutation of an id wins.
func (s *Store) Apply(muts []Mutation) {
	if len(muts) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	s.gen++
	last := make(map[string]int, len(muts))
	for i, m := range muts {
		last[m.Doc.ID] = i
	}
	tombs := cloneTombs(old.tombs, len(last))
	docs := make([]Document, 0, len(last))
	for i, m := range muts {
		if last[m.Doc.ID] != i {
			continue
		}
		if old.Has(m.Doc.ID) {
			tombs[m.Doc.ID] = s.gen
		}
		if !m.Delete {
			docs = append(docs, m.Doc)
		}
	}
	segments := old.segments
	if len(docs) > 0 {
		segments = make([]*segment, 0, len(old.segments)+1)
		segments = append(segments, old.segments...)
		segments = append(segments, buildSegment(s.gen, docs))
	}
	s.current.Store(&View{gen: s.gen, segments: segments, tombs: tombs})
}

// Delete tombstones id. It reports whether a live document was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	if !old.Has(id) {
		return false
	}
	s.gen++
	tombs := cloneTombs(old.tombs, 1)
	tombs[id] = s.gen
	s.current.Store(&View{gen: s.gen, segments: old.segments, tombs: tombs})
	return true
}

// Load replaces the whole content of the store with docs in a single
// segment. It is used when restoring a shard from a snapshot.
func (s *Store) Load(docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	var segments []*segment
	if len(docs) > 0 {
		segments = []*segment{buildSegment(s.gen, docs)}
	}
	s.current.Store(&View{gen: s.gen, segments: segments, tombs: map[string]uint64{}})
}

// Compact merges the segments of the current view into one. The merge runs
// without holding the write lock; segments installed meanwhile are kept as
// they are. It returns false when another compaction was already running or
// nothing needed merging.
func (s *Store) Compact() (CompactionResult, bool) {
	if !s.compacting.CompareAndSwap(false, true) {
		return CompactionResult{}, false
	}
	defer s.compacting.Store(false)

	start := time.Now()
	snap := s.current.Load()
	if len(snap.segments) <= 1 && len(snap.tombs) == 0 {
		return CompactionResult{}, false
	}
	var maxGen uint64
	for _, seg := range snap.segments {
		maxGen = max(maxGen, seg.gen)
	}
	merged, dropped := mergeSegments(maxGen, snap.segments, snap.alive)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	n := len(snap.segments)
	if len(cur.segments) < n || (n > 0 && cur.segments[n-1] != snap.segments[n-1]) {
		// the store was reloaded underneath us
		return CompactionResult{}, false
	}
	segments := make([]*segment, 0, len(cur.segments)-n+1)
	if len(merged.docs) > 0 {
		segments = append(segments, merged)
	}
	segments = append(segments, cur.segments[n:]...)

	tombs := make(map[string]uint64, len(cur.tombs))
	for id, t := range cur.tombs {
		for _, seg := range segments {
			if _, ok := seg.docs[id]; ok && seg.gen < t {
				tombs[id] = t
				break
			}
		}
	}
	s.current.Store(&View{gen: cur.gen, segments: segments, tombs: tombs})

	res := CompactionResult{
		SegmentsBefore: len(cur.segments),
		SegmentsAfter:  len(segments),
		Reclaimed:      dropped,
		Duration:       time.Since(start),
	}
	s.logger.Debug("segments compacted",
		"segments_before", res.SegmentsBefore,
		"segments_after", res.SegmentsAfter,
		"reclaimed", res.Reclaimed,
		"duration", res.Duration,
	)
	return res, true
}

// StartCompactionLoop compacts in the background whenever the segment count
// exceeds maxSegments. onCompact, if set, observes every completed run.
func (s *Store) StartCompactionLoop(ctx context.Context, interval time.Duration, maxSegments int, onCompact func(CompactionResult)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v := s.View()
				if v.Segments() <= maxSegments && v.Tombstones() == 0 {
					continue
				}
				if res, ok := s.Compact(); ok && onCompact != nil {
					onCompact(res)
				}
			}
		}
	}()
}

func cloneTombs(src map[string]uint64, extra int) map[string]uint64 {
	out := make(map[string]uint64, len(src)+extra)
	for k, v := range src {
		out[k] = v
	}
	return out
}
