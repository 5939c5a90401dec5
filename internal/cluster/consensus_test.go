package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster/catalog"
)

type failingCatalog struct {
	catalog.Catalog
	err error
}

func (f failingCatalog) Put(context.Context, catalog.IndexMeta) error { return f.err }

func TestLocalConsensusAppliesThenPersists(t *testing.T) {
	cat := catalog.NewMemory()
	var applied []ChangeType
	c := NewLocalConsensus(cat, func(_ context.Context, ch Change) (catalog.IndexMeta, error) {
		applied = append(applied, ch.Type)
		return ch.Meta, nil
	})
	ctx := context.Background()

	require.NoError(t, c.Propose(ctx, Change{Type: ChangeCreateIndex, Index: "a", Meta: catalog.IndexMeta{Name: "a", Shards: 1}}))
	metas, err := cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "a", metas[0].Name)

	require.NoError(t, c.Propose(ctx, Change{Type: ChangeDeleteIndex, Index: "a"}))
	metas, err = cat.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, metas)
	assert.Equal(t, []ChangeType{ChangeCreateIndex, ChangeDeleteIndex}, applied)
}

func TestLocalConsensusRejectedChangeIsNotPersisted(t *testing.T) {
	cat := catalog.NewMemory()
	rejected := errors.New("rejected")
	c := NewLocalConsensus(cat, func(context.Context, Change) (catalog.IndexMeta, error) {
		return catalog.IndexMeta{}, rejected
	})
	err := c.Propose(context.Background(), Change{Type: ChangeCreateIndex, Index: "a", Meta: catalog.IndexMeta{Name: "a"}})
	assert.ErrorIs(t, err, rejected)
	metas, err := cat.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestLocalConsensusSurfacesCatalogFailure(t *testing.T) {
	down := errors.New("catalog down")
	c := NewLocalConsensus(failingCatalog{Catalog: catalog.NewMemory(), err: down},
		func(_ context.Context, ch Change) (catalog.IndexMeta, error) { return ch.Meta, nil })
	err := c.Propose(context.Background(), Change{Type: ChangeCreateIndex, Index: "a", Meta: catalog.IndexMeta{Name: "a"}})
	assert.ErrorIs(t, err, down)
	assert.Contains(t, err.Error(), "create_index")
}
