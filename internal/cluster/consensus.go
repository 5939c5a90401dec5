package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster/catalog"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/logger"
)

// ChangeType names a cluster metadata change.
type ChangeType string

const (
	ChangeCreateIndex ChangeType = "create_index"
	ChangeDeleteIndex ChangeType = "delete_index"
	ChangePutMapping  ChangeType = "put_mapping"
)

// Change is one proposed metadata change. Meta is set for create_index and
// Properties for put_mapping.
type Change struct {
	Type       ChangeType
	Index      string
	Meta       catalog.IndexMeta
	Properties map[string]schema.FieldMapping
}

// ApplyFunc applies an accepted change to local state and returns the
// resulting metadata of the index (zero for deletes).
type ApplyFunc func(ctx context.Context, c Change) (catalog.IndexMeta, error)

// Consensus orders metadata changes. Propose returns once the change is
// applied and durable.
type Consensus interface {
	Propose(ctx context.Context, c Change) error
}

// LocalConsensus is the single-node implementation: changes are applied one
// at a time and then written to the catalog. It is not a consensus protocol;
// a multi-node deployment replaces it.
type LocalConsensus struct {
	mu      sync.Mutex
	catalog catalog.Catalog
	apply   ApplyFunc
	logger  *slog.Logger
}

func NewLocalConsensus(cat catalog.Catalog, apply ApplyFunc) *LocalConsensus {
	return &LocalConsensus{
		catalog: cat,
		apply:   apply,
		logger:  logger.WithComponent("local-consensus"),
	}
}

func (l *LocalConsensus) Propose(ctx context.Context, c Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	meta, err := l.apply(ctx, c)
	if err != nil {
		return err
	}
	switch c.Type {
	case ChangeDeleteIndex:
		err = l.catalog.Delete(ctx, c.Index)
	default:
		err = l.catalog.Put(ctx, meta)
	}
	if err != nil {
		return fmt.Errorf("persisting %s of [%s]: %w", c.Type, c.Index, err)
	}
	if c.Type == ChangePutMapping {
		l.logger.Debug("cluster change applied", "type", c.Type, "index", c.Index)
	} else {
		l.logger.Info("cluster change applied", "type", c.Type, "index", c.Index)
	}
	return nil
}
