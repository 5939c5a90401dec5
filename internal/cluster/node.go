package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/cluster/catalog"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/replication"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/snapshot"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/coordinator"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/scroll"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/resilience"
)

const (
	maxShardsPerIndex = 1024
	snapshotsKept     = 2
)

// Options carries the node's pluggable backends. Nil fields select the
// in-process defaults; a nil Snapshots disables snapshot files.
type Options struct {
	Catalog     catalog.Catalog
	ScrollStore scroll.Store
	Snapshots   *snapshot.Store
	Shipper     shard.Shipper
	Metrics     *metrics.Metrics
}

// Node serves every index held by this process.
type Node struct {
	cfg       *config.Config
	catalog   catalog.Catalog
	consensus Consensus
	coord     *coordinator.Coordinator
	scrolls   *scroll.Manager
	snapshots *snapshot.Store
	shipper   shard.Shipper
	metrics   *metrics.Metrics
	retry     resilience.RetryConfig

	mu      sync.RWMutex
	indices map[string]*Index

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

func NewNode(cfg *config.Config, opts Options) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		catalog:   opts.Catalog,
		coord:     coordinator.New(cfg.Search, opts.Metrics),
		snapshots: opts.Snapshots,
		shipper:   opts.Shipper,
		metrics:   opts.Metrics,
		retry: resilience.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
		indices: make(map[string]*Index),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.WithComponent("node").With("node_id", cfg.Cluster.NodeID),
	}
	if n.catalog == nil {
		n.catalog = catalog.NewMemory()
	}
	store := opts.ScrollStore
	if store == nil {
		mem := scroll.NewMemoryStore(func(string) { opts.Metrics.ScrollClosed(true) })
		mem.StartSweeper(ctx, cfg.Scroll.SweepInterval)
		store = mem
	}
	n.scrolls = scroll.NewManager(store, cfg.Scroll, opts.Metrics)
	n.consensus = NewLocalConsensus(n.catalog, n.applyChange)
	return n
}

func (n *Node) groupOptions(meta catalog.IndexMeta) shard.Options {
	return shard.Options{
		Replicas:        meta.Replicas,
		WaitForReplicas: n.cfg.Cluster.WaitForReplicas,
		Retry:           n.retry,
		Shipper:         n.shipper,
		Metrics:         n.metrics,
		MergeInterval:   n.cfg.Indexer.MergeInterval,
		MaxSegments:     n.cfg.Indexer.MaxSegmentsBeforeMerge,
	}
}

// openIndex builds the shards of meta, restoring each from its latest
// snapshot file when restore is set.
func (n *Node) openIndex(meta catalog.IndexMeta, restore bool) (*Index, error) {
	reg, err := buildRegistry(meta)
	if err != nil {
		return nil, err
	}
	opts := n.groupOptions(meta)
	groups := make([]*shard.Group, 0, meta.Shards)
	fail := func(err error) (*Index, error) {
		for _, g := range groups {
			g.Close()
		}
		return nil, err
	}
	for id := 0; id < meta.Shards; id++ {
		if restore && n.snapshots != nil {
			snap, ok, err := n.snapshots.Latest(meta.Name, id)
			if err != nil {
				return fail(fmt.Errorf("loading snapshot of [%s][%d]: %w", meta.Name, id, err))
			}
			if ok {
				g, err := shard.RestoreGroup(reg, snap, opts)
				if err != nil {
					return fail(err)
				}
				groups = append(groups, g)
				continue
			}
		}
		groups = append(groups, shard.NewGroup(meta.Name, id, reg, opts))
	}
	return &Index{meta: meta, registry: reg, router: shard.NewRouter(meta.Name, groups)}, nil
}

// applyChange is the state machine behind Consensus.
func (n *Node) applyChange(_ context.Context, c Change) (catalog.IndexMeta, error) {
	switch c.Type {
	case ChangeCreateIndex:
		n.mu.Lock()
		defer n.mu.Unlock()
		if existing, ok := n.indices[c.Index]; ok {
			return catalog.IndexMeta{}, apperrors.Wrapf(apperrors.ErrIndexAlreadyExists,
				"index [%s/%s] already exists", c.Index, existing.meta.UUID)
		}
		idx, err := n.openIndex(c.Meta, false)
		if err != nil {
			return catalog.IndexMeta{}, err
		}
		n.indices[c.Index] = idx
		return idx.Meta(), nil

	case ChangeDeleteIndex:
		n.mu.Lock()
		idx, ok := n.indices[c.Index]
		delete(n.indices, c.Index)
		n.mu.Unlock()
		if !ok {
			return catalog.IndexMeta{}, indexNotFound(c.Index)
		}
		idx.router.Close()
		if n.snapshots != nil {
			if err := n.snapshots.RemoveIndex(c.Index); err != nil {
				n.logger.Error("failed to remove snapshots of deleted index", "index", c.Index, "error", err)
			}
		}
		return catalog.IndexMeta{Name: c.Index}, nil

	case ChangePutMapping:
		idx, err := n.Index(c.Index)
		if err != nil {
			return catalog.IndexMeta{}, err
		}
		if _, err := idx.registry.Merge(c.Properties); err != nil {
			return catalog.IndexMeta{}, err
		}
		return idx.Meta(), nil
	}
	return catalog.IndexMeta{}, apperrors.Wrapf(apperrors.ErrInvalidInput, "unknown cluster change %q", c.Type)
}

func indexNotFound(name string) error {
	return apperrors.Wrapf(apperrors.ErrIndexNotFound, "no such index [%s]", name)
}

// CreateIndex creates an index. Unset shard and replica counts take the
// cluster defaults.
func (n *Node) CreateIndex(ctx context.Context, name string, req CreateIndexRequest) (*Index, error) {
	if err := ValidateIndexName(name); err != nil {
		return nil, err
	}
	meta := catalog.IndexMeta{
		Name:      name,
		UUID:      uuid.NewString(),
		Shards:    n.cfg.Cluster.DefaultShards,
		Replicas:  n.cfg.Cluster.DefaultReplicas,
		Analyzers: req.Settings.Analysis.Analyzer,
		Mappings:  req.Mappings,
		CreatedAt: time.Now().UTC(),
	}
	if v := req.Settings.NumberOfShards; v != nil {
		meta.Shards = *v
	}
	if v := req.Settings.NumberOfReplicas; v != nil {
		meta.Replicas = *v
	}
	if meta.Shards < 1 || meta.Shards > maxShardsPerIndex {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput,
			"Failed to parse value [%d] for setting [index.number_of_shards] must be between 1 and %d", meta.Shards, maxShardsPerIndex)
	}
	if meta.Replicas < 0 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput,
			"Failed to parse value [%d] for setting [index.number_of_replicas] must be >= 0", meta.Replicas)
	}
	if err := n.consensus.Propose(ctx, Change{Type: ChangeCreateIndex, Index: name, Meta: meta}); err != nil {
		return nil, err
	}
	n.logger.Info("index created", "index", name, "shards", meta.Shards, "replicas", meta.Replicas)
	return n.Index(name)
}

func (n *Node) DeleteIndex(ctx context.Context, name string) error {
	if err := n.consensus.Propose(ctx, Change{Type: ChangeDeleteIndex, Index: name}); err != nil {
		return err
	}
	n.logger.Info("index deleted", "index", name)
	return nil
}

// PutMapping adds fields to an index mapping. Existing fields cannot change
// type.
func (n *Node) PutMapping(ctx context.Context, name string, props map[string]schema.FieldMapping) error {
	return n.consensus.Propose(ctx, Change{Type: ChangePutMapping, Index: name, Properties: props})
}

func (n *Node) Index(name string) (*Index, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	idx, ok := n.indices[name]
	if !ok {
		return nil, indexNotFound(name)
	}
	return idx, nil
}

// Indices returns the open indices ordered by name.
func (n *Node) Indices() []*Index {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Index, 0, len(n.indices))
	for _, name := range slices.Sorted(maps.Keys(n.indices)) {
		out = append(out, n.indices[name])
	}
	return out
}

// writableIndex resolves the target of a write, creating the index with
// defaults when auto creation is enabled.
func (n *Node) writableIndex(ctx context.Context, name string) (*Index, error) {
	idx, err := n.Index(name)
	if err == nil || !n.cfg.Cluster.AutoCreateIndex {
		return idx, err
	}
	if _, err := n.CreateIndex(ctx, name, CreateIndexRequest{}); err != nil && !errors.Is(err, apperrors.ErrIndexAlreadyExists) {
		return nil, err
	}
	return n.Index(name)
}

// Write performs one document write. A missing id on index or create is
// generated.
func (n *Node) Write(ctx context.Context, indexName, routing string, req shard.WriteRequest) (*shard.WriteResult, error) {
	idx, err := n.writableIndex(ctx, indexName)
	if err != nil {
		return nil, err
	}
	if req.ID, err = assignID(req); err != nil {
		return nil, err
	}
	return n.write(ctx, idx.router.RouteDoc(req.ID, routing), req)
}

func assignID(req shard.WriteRequest) (string, error) {
	if req.ID != "" {
		return req.ID, nil
	}
	if req.Op == shard.WriteIndex || req.Op == shard.WriteCreate {
		return uuid.NewString(), nil
	}
	return "", apperrors.Wrapf(apperrors.ErrInvalidInput, "an id is required for a %s operation", req.Op)
}

// write retries a shard write while its primary is unavailable. Before a
// retry a lost primary is replaced by its most caught-up replica.
func (n *Node) write(ctx context.Context, g *shard.Group, req shard.WriteRequest) (*shard.WriteResult, error) {
	if n.cfg.Replication.Follow {
		return nil, apperrors.Wrapf(apperrors.ErrReadOnly, "[%s] follows a remote writer and accepts no %s requests", g.Index(), req.Op)
	}
	var res *shard.WriteResult
	name := fmt.Sprintf("write [%s][%d]", g.Index(), g.ID())
	err := resilience.Retry(ctx, name, n.retry, func(attempt int) error {
		if attempt > 1 {
			n.promoteIfDown(ctx, g)
		}
		r, err := g.Write(ctx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// writeBatch writes reqs to one shard in order, retrying the requests that
// failed with ErrShardUnavailable. Requests still failing when the retry
// budget is spent report ErrUnavailable.
func (n *Node) writeBatch(ctx context.Context, g *shard.Group, reqs []shard.WriteRequest) ([]*shard.WriteResult, []error) {
	results := make([]*shard.WriteResult, len(reqs))
	errs := make([]error, len(reqs))
	if n.cfg.Replication.Follow {
		for i, req := range reqs {
			errs[i] = apperrors.Wrapf(apperrors.ErrReadOnly, "[%s] follows a remote writer and accepts no %s requests", g.Index(), req.Op)
		}
		return results, errs
	}
	pending := make([]int, len(reqs))
	for i := range pending {
		pending[i] = i
	}
	name := fmt.Sprintf("bulk [%s][%d]", g.Index(), g.ID())
	err := resilience.Retry(ctx, name, n.retry, func(attempt int) error {
		if attempt > 1 {
			n.promoteIfDown(ctx, g)
		}
		batch := make([]shard.WriteRequest, len(pending))
		for k, i := range pending {
			batch[k] = reqs[i]
		}
		res, berrs := g.WriteBatch(ctx, batch)
		var retry []int
		var retryErr error
		for k, i := range pending {
			results[i], errs[i] = res[k], berrs[k]
			if berrs[k] != nil && apperrors.IsRetryable(berrs[k]) {
				retry = append(retry, i)
				if retryErr == nil {
					retryErr = berrs[k]
				}
			}
		}
		pending = retry
		return retryErr
	})
	if err != nil {
		for _, i := range pending {
			errs[i] = err
		}
	}
	return results, errs
}

func (n *Node) promoteIfDown(ctx context.Context, g *shard.Group) {
	if p := g.Primary(); p != nil && p.State() == shard.Active {
		return
	}
	copyID, err := g.FailPrimary(ctx)
	if err != nil {
		n.logger.Error("primary lost and no replica could be promoted",
			"index", g.Index(),
			"shard", g.ID(),
			"error", err,
		)
		return
	}
	n.logger.Warn("replaced lost primary", "index", g.Index(), "shard", g.ID(), "copy", copyID)
}

// Get reads a document by id from any in-sync copy of its shard.
func (n *Node) Get(ctx context.Context, indexName, id, routing string) (index.DocRecord, bool, error) {
	idx, err := n.Index(indexName)
	if err != nil {
		return index.DocRecord{}, false, err
	}
	return idx.router.RouteDoc(id, routing).Get(ctx, id)
}

// FailPrimary promotes a replica of one shard in place of its primary.
func (n *Node) FailPrimary(ctx context.Context, indexName string, shardID int) (string, error) {
	g, err := n.group(indexName, shardID)
	if err != nil {
		return "", err
	}
	return g.FailPrimary(ctx)
}

// AddReplica adds a copy to one shard, for instance after a promotion.
func (n *Node) AddReplica(ctx context.Context, indexName string, shardID int) (string, error) {
	g, err := n.group(indexName, shardID)
	if err != nil {
		return "", err
	}
	return g.AddReplica(ctx)
}

func (n *Node) group(indexName string, shardID int) (*shard.Group, error) {
	idx, err := n.Index(indexName)
	if err != nil {
		return nil, err
	}
	return idx.router.Route(shardID)
}

// FollowerResolver maps shipped replication entries onto the replica group
// of the same shard. Followers are read-only copies of a remote writer and
// must have been created with the same shard count.
func (n *Node) FollowerResolver() replication.Resolver {
	return func(indexName string, shardID int) (replication.Applier, error) {
		return n.group(indexName, shardID)
	}
}

// Recover opens every index in the catalog, restoring shard contents from
// the newest snapshot files.
func (n *Node) Recover(ctx context.Context) error {
	metas, err := n.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing catalog: %w", err)
	}
	for _, meta := range metas {
		idx, err := n.openIndex(meta, true)
		if err != nil {
			return fmt.Errorf("recovering index [%s]: %w", meta.Name, err)
		}
		n.mu.Lock()
		n.indices[meta.Name] = idx
		n.mu.Unlock()
		n.logger.Info("index recovered", "index", meta.Name, "shards", meta.Shards, "docs", docCount(idx))
	}
	return nil
}

func docCount(idx *Index) int {
	total := 0
	for _, g := range idx.router.Groups() {
		total += g.DocCount()
	}
	return total
}

// Persist writes current mappings to the catalog, snapshot files for every
// shard when enabled, and then trims replication logs.
func (n *Node) Persist(ctx context.Context) error {
	var errs []error
	for _, idx := range n.Indices() {
		if err := n.consensus.Propose(ctx, Change{Type: ChangePutMapping, Index: idx.Name()}); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, g := range idx.router.Groups() {
			n.metrics.SetShardDocs(idx.Name(), g.ID(), g.DocCount())
		}
		if n.snapshots != nil {
			if err := n.saveSnapshots(idx); err != nil {
				errs = append(errs, err)
			}
		}
		if dropped := idx.router.CompactLogs(); dropped > 0 {
			n.logger.Debug("replication logs compacted", "index", idx.Name(), "entries", dropped)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) saveSnapshots(idx *Index) error {
	snaps, err := idx.router.SnapshotAll()
	if err != nil {
		return fmt.Errorf("snapshotting [%s]: %w", idx.Name(), err)
	}
	for _, snap := range snaps {
		if _, err := n.snapshots.Save(snap); err != nil {
			return err
		}
		if _, err := n.snapshots.Prune(snap.Index, snap.ShardID, snapshotsKept); err != nil {
			n.logger.Warn("failed to prune old snapshots", "index", snap.Index, "shard", snap.ShardID, "error", err)
		}
	}
	return nil
}

// StartMaintenance runs Persist every interval until the node closes.
func (n *Node) StartMaintenance(interval time.Duration) {
	if interval <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				return
			case <-ticker.C:
				if err := n.Persist(n.ctx); err != nil {
					n.logger.Error("periodic persist failed", "error", err)
				}
			}
		}
	}()
}

// Close stops background work, persists a final snapshot and closes every
// shard.
func (n *Node) Close(ctx context.Context) error {
	var err error
	n.once.Do(func() {
		n.cancel()
		n.wg.Wait()
		err = n.Persist(ctx)
		n.mu.Lock()
		defer n.mu.Unlock()
		for name, idx := range n.indices {
			idx.router.Close()
			delete(n.indices, name)
		}
		n.logger.Info("node closed")
	})
	return err
}
