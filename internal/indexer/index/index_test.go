package index

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/analyzer"
)

func textDoc(t *testing.T, id string, text string) Document {
	t.Helper()
	a, ok := analyzer.Builtin("standard")
	require.True(t, ok)
	return Document{
		ID:      id,
		Version: 1,
		Source:  []byte(fmt.Sprintf(`{"body":%q}`, text)),
		Fields:  []Field{{Name: "body", Tokens: a.Analyze(text)}},
	}
}

func TestPostingListOps(t *testing.T) {
	a := FromDocIDs([]string{"1", "3", "5", "7"})
	b := FromDocIDs([]string{"3", "4", "7", "9"})

	assert.Equal(t, []string{"3", "7"}, Intersect(a, b).DocIDs())
	assert.Equal(t, []string{"1", "3", "4", "5", "7", "9"}, Union(a, b).DocIDs())
	assert.Equal(t, []string{"1", "5"}, Difference(a, b).DocIDs())
	assert.Empty(t, Intersect(a, nil))
	assert.Equal(t, a.DocIDs(), Difference(a, nil).DocIDs())
	assert.True(t, Union(a, b).Sorted())
	assert.True(t, a.Contains("5"))
	assert.False(t, a.Contains("6"))

	u := Union(PostingList{{DocID: "x", Frequency: 1, Positions: []int{4}}}, PostingList{{DocID: "x", Frequency: 2, Positions: []int{1, 9}}})
	require.Len(t, u, 1)
	assert.Equal(t, 3, u[0].Frequency)
	assert.Equal(t, []int{1, 4, 9}, u[0].Positions)
}

func TestIndexLookupRoundTrip(t *testing.T) {
	s := NewStore("test")
	s.Index(textDoc(t, "b", "quick brown fox"))
	s.Index(textDoc(t, "a", "the quick fox jumps over the fox"))
	s.Index(textDoc(t, "c", "lazy dog"))

	fox := s.Lookup("body", "fox")
	require.Len(t, fox, 2)
	assert.Equal(t, "a", fox[0].DocID)
	assert.Equal(t, 2, fox[0].Frequency)
	assert.Equal(t, []int{2, 6}, fox[0].Positions)
	assert.Equal(t, "b", fox[1].DocID)

	v := s.View()
	assert.Equal(t, 3, v.DocCount())
	assert.Equal(t, []string{"a", "b", "c"}, v.DocIDs())
	assert.Equal(t, 7, v.FieldLength("body", "a"))
	st := v.FieldStats("body")
	assert.Equal(t, 3, st.Docs)
	assert.InDelta(t, 12.0/3.0, st.AvgLength(), 1e-9)

	rec, ok := v.Doc("c")
	require.True(t, ok)
	assert.JSONEq(t, `{"body":"lazy dog"}`, string(rec.Source))
}

func TestReindexSupersedesOldInstance(t *testing.T) {
	s := NewStore("test")
	s.Index(textDoc(t, "a", "alpha"))
	s.Index(textDoc(t, "a", "beta"))

	assert.Empty(t, s.Lookup("body", "alpha"))
	assert.Equal(t, []string{"a"}, s.Lookup("body", "beta").DocIDs())
	assert.Equal(t, 1, s.View().DocCount())
	assert.Equal(t, 1, s.View().Tombstones())
}

func TestDeleteAndCompaction(t *testing.T) {
	s := NewStore("test")
	for i := 0; i < 10; i++ {
		s.Index(textDoc(t, fmt.Sprintf("d%02d", i), "shared term"))
	}
	assert.True(t, s.Delete("d03"))
	assert.False(t, s.Delete("d03"))
	assert.False(t, s.Delete("missing"))

	before := s.View()
	assert.Len(t, before.Lookup("body", "shared"), 9)

	res, ok := s.Compact()
	require.True(t, ok)
	assert.Equal(t, 10, res.SegmentsBefore)
	assert.Equal(t, 1, res.SegmentsAfter)
	assert.Equal(t, 1, res.Reclaimed)

	after := s.View()
	assert.Equal(t, 0, after.Tombstones())
	assert.Equal(t, before.Lookup("body", "shared"), after.Lookup("body", "shared"))
	assert.Len(t, before.Lookup("body", "shared"), 9, "old view unchanged by compaction")

	s.Index(textDoc(t, "d03", "shared again"))
	assert.Len(t, s.Lookup("body", "shared"), 10)
}

func TestPostingsStaySortedUnderRandomOps(t *testing.T) {
	s := NewStore("test")
	rng := rand.New(rand.NewSource(42))
	live := map[string]bool{}
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("doc-%03d", rng.Intn(80))
		switch rng.Intn(4) {
		case 0:
			s.Delete(id)
			delete(live, id)
		case 1:
			s.Compact()
		default:
			s.Index(textDoc(t, id, "common"))
			live[id] = true
		}
		list := s.Lookup("body", "common")
		require.True(t, list.Sorted(), "iteration %d", i)
		require.Len(t, list, len(live))
	}
}

func TestReadersDuringCompaction(t *testing.T) {
	s := NewStore("test")
	for i := 0; i < 200; i++ {
		s.Index(textDoc(t, fmt.Sprintf("doc-%03d", i), "steady"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				list := s.Lookup("body", "steady")
				if len(list) < 200 || !list.Sorted() {
					t.Errorf("inconsistent read: %d postings", len(list))
					return
				}
			}
		}()
	}
	for i := 200; i < 260; i++ {
		s.Index(textDoc(t, fmt.Sprintf("doc-%03d", i), "steady"))
		if i%10 == 0 {
			s.Compact()
		}
	}
	cancel()
	wg.Wait()
	assert.Len(t, s.Lookup("body", "steady"), 260)
}

func TestCompactionLoop(t *testing.T) {
	s := NewStore("test")
	for i := 0; i < 5; i++ {
		s.Index(textDoc(t, fmt.Sprintf("doc-%d", i), "x"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan CompactionResult, 1)
	s.StartCompactionLoop(ctx, 5*time.Millisecond, 2, func(r CompactionResult) {
		select {
		case done <- r:
		default:
		}
	})
	select {
	case r := <-done:
		assert.Equal(t, 1, r.SegmentsAfter)
	case <-time.After(2 * time.Second):
		t.Fatal("compaction loop did not run")
	}
	assert.Equal(t, 5, s.View().DocCount())
}

func TestLoadAndValues(t *testing.T) {
	s := NewStore("test")
	s.Index(textDoc(t, "old", "gone"))
	s.Load([]Document{
		{ID: "x", Version: 3, Fields: []Field{{Name: "amount", Tokens: []analyzer.Token{{Term: "10"}}, Values: []float64{10}}}},
		{ID: "y", Version: 1, Fields: []Field{{Name: "amount", Tokens: []analyzer.Token{{Term: "20"}}, Values: []float64{20}}}},
	})
	v := s.View()
	assert.Equal(t, []string{"x", "y"}, v.DocIDs())
	assert.Equal(t, []float64{20}, v.Values("amount", "y"))
	assert.Equal(t, []string{"x", "y"}, v.FieldDocs("amount"))
	assert.False(t, v.Has("old"))
	rec, _ := v.Doc("x")
	assert.Equal(t, int64(3), rec.Version)
}

func TestApplyBatchInstallsOneSegment(t *testing.T) {
	s := NewStore("test")
	s.Index(textDoc(t, "a", "quick brown fox"))
	before := s.View()

	replaced := textDoc(t, "a", "lazy dog")
	replaced.Version = 2
	s.Apply([]Mutation{
		{Doc: textDoc(t, "b", "brown bear")},
		{Doc: replaced},
		{Doc: textDoc(t, "c", "red fox")},
		{Doc: Document{ID: "b"}, Delete: true},
	})

	v := s.View()
	assert.Equal(t, before.Generation()+1, v.Generation())
	assert.Equal(t, 2, v.Segments())
	assert.Equal(t, []string{"a", "c"}, v.DocIDs())
	rec, ok := v.Doc("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, []string{"c"}, v.Lookup("body", "fox").DocIDs())
	assert.Empty(t, v.Lookup("body", "bear"))
	assert.Equal(t, []string{"a"}, before.DocIDs(), "older views are unchanged")

	s.Apply(nil)
	assert.Equal(t, v.Generation(), s.View().Generation())
}
