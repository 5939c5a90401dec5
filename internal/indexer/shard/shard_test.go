package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/replication"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

func newRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.NewRegistry(schema.Mappings{Properties: map[string]schema.FieldMapping{
		"title":  {Type: schema.TypeText},
		"status": {Type: schema.TypeKeyword},
		"n":      {Type: schema.TypeLong},
	}}, nil)
	require.NoError(t, err)
	return reg
}

func source(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"title":"contract number %d","status":"s%d","n":%d}`, i, i%3, i))
}

func indexEntry(seq int64, id string, version int64, src json.RawMessage) replication.Entry {
	return replication.Entry{Seq: seq, Op: replication.Op{Type: replication.OpIndex, DocID: id, Version: version, Source: src}}
}

func plan(t *testing.T, reg *schema.Registry, dsl string) *query.Plan {
	t.Helper()
	q, err := query.Parse(json.RawMessage(dsl))
	require.NoError(t, err)
	p, err := query.Compile(q, reg)
	require.NoError(t, err)
	return p
}

func hitIDs(res *executor.Result) []string {
	out := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = h.DocID
	}
	return out
}

func TestStateTransitions(t *testing.T) {
	s := New("contracts", 0, "copy-00", newRegistry(t))
	assert.Equal(t, Initializing, s.State())
	assert.ErrorIs(t, s.Transition(Relocating), apperrors.ErrInvalidInput)

	require.NoError(t, s.Activate())
	require.NoError(t, s.Transition(Relocating))
	require.NoError(t, s.Transition(Active))
	assert.Error(t, s.Transition(Initializing))

	s.Close()
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, "closed", s.State().String())
	assert.Error(t, s.Transition(Active))
	s.Close()
}

func TestApplyIsIdempotent(t *testing.T) {
	s := New("contracts", 0, "copy-00", newRegistry(t))
	require.NoError(t, s.Activate())

	require.NoError(t, s.Apply(indexEntry(1, "a", 1, source(1))))
	require.NoError(t, s.Apply(indexEntry(1, "a", 1, source(1))))
	assert.Equal(t, int64(1), s.AppliedSeq())
	assert.Equal(t, 1, s.DocCount())

	err := s.Apply(indexEntry(3, "b", 1, source(2)))
	assert.ErrorIs(t, err, replication.ErrSequenceGap)

	// a stale version still advances the sequence number
	require.NoError(t, s.Apply(indexEntry(2, "a", 1, source(9))))
	assert.Equal(t, int64(2), s.AppliedSeq())
	rec, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(source(1)), string(rec.Source))

	require.NoError(t, s.Apply(replication.Entry{Seq: 3, Op: replication.Op{Type: replication.OpDelete, DocID: "a", Version: 2}}))
	_, ok, _ = s.Get("a")
	assert.False(t, ok)
	v, known := s.Version("a")
	require.True(t, known)
	assert.True(t, v.Deleted)

	// replaying the original index op must not resurrect the document
	require.NoError(t, s.Apply(indexEntry(4, "a", 1, source(1))))
	assert.Equal(t, 0, s.DocCount())
}

func TestApplyAndReadsFollowState(t *testing.T) {
	reg := newRegistry(t)
	s := New("contracts", 0, "copy-00", reg)
	require.NoError(t, s.Apply(indexEntry(1, "a", 1, source(1))))

	_, err := s.Search(context.Background(), plan(t, reg, `{"match_all":{}}`), 0)
	assert.ErrorIs(t, err, apperrors.ErrShardUnavailable)

	require.NoError(t, s.Activate())
	require.NoError(t, s.Transition(Relocating))
	res, err := s.Search(context.Background(), plan(t, reg, `{"match_all":{}}`), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, hitIDs(res))
	assert.ErrorIs(t, s.Apply(indexEntry(2, "b", 1, source(2))), apperrors.ErrShardUnavailable)

	s.Close()
	_, _, err = s.Get("a")
	assert.ErrorIs(t, err, apperrors.ErrShardUnavailable)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestSnapshotRestore(t *testing.T) {
	reg := newRegistry(t)
	src := New("contracts", 1, "copy-00", reg)
	require.NoError(t, src.Activate())
	for i := 1; i <= 5; i++ {
		require.NoError(t, src.Apply(indexEntry(int64(i), fmt.Sprintf("d%d", i), 1, source(i))))
	}
	require.NoError(t, src.Apply(replication.Entry{Seq: 6, Op: replication.Op{Type: replication.OpDelete, DocID: "d2", Version: 2}}))

	snap := src.Snapshot()
	assert.Equal(t, int64(6), snap.AppliedSeq)
	assert.Len(t, snap.Docs, 4)
	assert.True(t, snap.Versions["d2"].Deleted)

	dst := New("contracts", 1, "copy-01", reg)
	require.NoError(t, dst.Restore(snap))
	require.NoError(t, dst.Activate())
	assert.Error(t, dst.Restore(snap))
	assert.Equal(t, int64(6), dst.AppliedSeq())

	p := plan(t, reg, `{"range":{"n":{"gte":3}}}`)
	want, err := src.Search(context.Background(), p, 0)
	require.NoError(t, err)
	got, err := dst.Search(context.Background(), p, 0)
	require.NoError(t, err)
	assert.Equal(t, hitIDs(want), hitIDs(got))
	assert.Equal(t, snap.Docs, dst.Snapshot().Docs)
}

func TestApplyBatchKeepsEntriesBeforeGap(t *testing.T) {
	s := New("contracts", 0, "copy-00", newRegistry(t))
	require.NoError(t, s.Activate())

	err := s.ApplyBatch([]replication.Entry{
		indexEntry(1, "a", 1, source(1)),
		indexEntry(2, "b", 1, source(2)),
		indexEntry(3, "a", 2, source(3)),
		indexEntry(5, "c", 1, source(5)),
		indexEntry(6, "d", 1, source(6)),
	})
	assert.ErrorIs(t, err, replication.ErrSequenceGap)
	assert.Equal(t, int64(3), s.AppliedSeq())
	assert.Equal(t, 2, s.DocCount())
	assert.Equal(t, 1, s.store.View().Segments())
	rec, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), rec.Version)
	_, ok, _ = s.Get("c")
	assert.False(t, ok)

	require.NoError(t, s.ApplyBatch([]replication.Entry{
		indexEntry(2, "b", 1, source(2)),
		{Seq: 4, Op: replication.Op{Type: replication.OpDelete, DocID: "b", Version: 2}},
	}))
	assert.Equal(t, int64(4), s.AppliedSeq())
	assert.Equal(t, 1, s.DocCount())
}
