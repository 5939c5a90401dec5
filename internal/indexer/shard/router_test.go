package shard

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

func TestShardForIsStableAndSpread(t *testing.T) {
	counts := make([]int, 3)
	for i := 0; i < 300; i++ {
		id := fmt.Sprintf("doc-%d", i)
		s := ShardFor(id, 3)
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, 3)
		assert.Equal(t, s, ShardFor(id, 3))
		counts[s]++
	}
	for _, c := range counts {
		assert.Greater(t, c, 50)
	}
	assert.Equal(t, 0, ShardFor("anything", 1))
}

func TestRouterRouting(t *testing.T) {
	reg := newRegistry(t)
	groups := make([]*Group, 4)
	for i := range groups {
		groups[i] = NewGroup("contracts", i, reg, testOptions(0, false))
	}
	r := NewRouter("contracts", groups)
	t.Cleanup(r.Close)

	assert.Equal(t, 4, r.NumShards())
	g, err := r.Route(2)
	require.NoError(t, err)
	assert.Equal(t, 2, g.ID())
	_, err = r.Route(4)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	assert.Equal(t, ShardFor("tenant-7", 4), r.RouteDoc("doc-1", "tenant-7").ID())
	assert.Equal(t, ShardFor("doc-1", 4), r.RouteDoc("doc-1", "").ID())

	snaps, err := r.SnapshotAll()
	require.NoError(t, err)
	assert.Len(t, snaps, 4)
}
