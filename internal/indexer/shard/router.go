package shard

import (
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"

	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// ShardFor maps a routing key to a shard: xxhash64(key) mod numShards.
func ShardFor(key string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(numShards))
}

// Router maps shard IDs to the replica groups of one index. The shard count
// is fixed at index creation, so the group slice never changes.
type Router struct {
	groups []*Group
	logger *slog.Logger
}

func NewRouter(indexName string, groups []*Group) *Router {
	r := &Router{
		groups: groups,
		logger: slog.Default().With("component", "shard-router", "index", indexName),
	}
	r.logger.Info("shard router ready", "num_shards", len(groups))
	return r
}

// Route returns the group for the given shard ID.
func (r *Router) Route(shardID int) (*Group, error) {
	if shardID < 0 || shardID >= len(r.groups) {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "unknown shard ID %d (valid range: 0-%d)", shardID, len(r.groups)-1)
	}
	return r.groups[shardID], nil
}

// RouteDoc returns the group owning a document. A non-empty routing value
// replaces the id as the routing key.
func (r *Router) RouteDoc(id, routing string) *Group {
	key := id
	if routing != "" {
		key = routing
	}
	return r.groups[ShardFor(key, len(r.groups))]
}

// Groups returns every group ordered by shard ID.
func (r *Router) Groups() []*Group {
	return append([]*Group(nil), r.groups...)
}

func (r *Router) NumShards() int {
	return len(r.groups)
}

// SnapshotAll captures every shard's primary. Shards without an active
// primary are skipped and reported in the returned error.
func (r *Router) SnapshotAll() ([]*Snapshot, error) {
	var (
		snaps    []*Snapshot
		firstErr error
	)
	for _, g := range r.groups {
		snap, err := g.Snapshot()
		if err != nil {
			r.logger.Error("snapshot failed", "shard_id", g.ID(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("snapshot shard %d: %w", g.ID(), err)
			}
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, firstErr
}

// CompactLogs truncates every group's replication log up to the slowest
// active copy and returns the number of entries dropped.
func (r *Router) CompactLogs() int {
	total := 0
	for _, g := range r.groups {
		total += g.CompactLog()
	}
	return total
}

// Close stops every group.
func (r *Router) Close() {
	for _, g := range r.groups {
		g.Close()
	}
}
