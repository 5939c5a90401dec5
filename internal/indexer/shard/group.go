package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/replication"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/resilience"
)

const (
	replicaRetryDelay  = 50 * time.Millisecond
	replicaWaitPoll    = 2 * time.Millisecond
	defaultReplicaWait = 5 * time.Second
	replayBatchSize    = 256
)

// Shipper forwards committed entries off-node.
type Shipper interface {
	Ship(ctx context.Context, index string, shard int, e replication.Entry) error
}

type Options struct {
	Replicas        int
	WaitForReplicas bool

	// ReplicaWait bounds how long a synchronous write waits for replicas.
	ReplicaWait time.Duration

	Retry         resilience.RetryConfig
	Shipper       Shipper
	Metrics       *metrics.Metrics
	MergeInterval time.Duration
	MaxSegments   int
}

// WriteOp is the kind of a client write.
type WriteOp string

const (
	WriteIndex  WriteOp = "index"
	WriteCreate WriteOp = "create"
	WriteUpdate WriteOp = "update"
	WriteDelete WriteOp = "delete"
)

// VersionExternal makes the caller-supplied version authoritative.
const VersionExternal = "external"

type WriteRequest struct {
	Op     WriteOp
	ID     string
	Source json.RawMessage
	// Upsert is indexed when an update targets a missing document.
	Upsert      json.RawMessage
	DocAsUpsert bool
	IfSeqNo     *int64
	Version     int64
	VersionType string
}

type ShardsInfo struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type WriteResult struct {
	ID      string     `json:"_id"`
	Version int64      `json:"_version"`
	SeqNo   int64      `json:"_seq_no"`
	Result  string     `json:"result"`
	Shards  ShardsInfo `json:"_shards"`
}

// Health summarises the copies of one shard.
type Health struct {
	ShardID        int    `json:"shard"`
	Primary        string `json:"primary"`
	PrimaryActive  bool   `json:"primary_active"`
	Replicas       int    `json:"replicas"`
	ActiveReplicas int    `json:"active_replicas"`
	CommittedSeq   int64  `json:"committed_seq"`
	Docs           int    `json:"docs"`
}

type copySet struct {
	primary  *Shard
	replicas []*Shard
}

func (c *copySet) all() []*Shard {
	out := make([]*Shard, 0, len(c.replicas)+1)
	if c.primary != nil {
		out = append(out, c.primary)
	}
	return append(out, c.replicas...)
}

func (c *copySet) replica(copyID string) *Shard {
	for _, r := range c.replicas {
		if r.CopyID() == copyID {
			return r
		}
	}
	return nil
}

// Group is the replica set of one shard. All writes go through the primary
// under a single writer lock; replicas converge by replaying the group's log.
type Group struct {
	index    string
	id       int
	registry *schema.Registry
	log      *replication.Log
	opts     Options

	writeMu  sync.Mutex
	copiesMu sync.Mutex
	copies   atomic.Pointer[copySet]
	nextCopy int
	workers  map[string]context.CancelFunc

	rr     atomic.Uint64
	sf     singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// beforeCommit runs between applying an entry on the primary and
	// committing it. An error simulates losing the primary at that point.
	beforeCommit func(replication.Entry) error

	logger *slog.Logger
}

// NewGroup creates an empty replica set with an active primary and
// opts.Replicas active replicas.
func NewGroup(indexName string, id int, reg *schema.Registry, opts Options) *Group {
	g := newGroup(indexName, id, reg, replication.NewLog(), opts)
	primary := g.newCopy()
	_ = primary.Activate()
	set := &copySet{primary: primary}
	for i := 0; i < opts.Replicas; i++ {
		r := g.newCopy()
		_ = r.Activate()
		set.replicas = append(set.replicas, r)
	}
	g.start(set)
	return g
}

// RestoreGroup rebuilds a replica set from a primary snapshot. The log starts
// after the snapshot's applied sequence number.
func RestoreGroup(reg *schema.Registry, snap *Snapshot, opts Options) (*Group, error) {
	g := newGroup(snap.Index, snap.ShardID, reg, replication.NewLogAt(snap.AppliedSeq), opts)
	set := &copySet{}
	for i := 0; i <= opts.Replicas; i++ {
		c := g.newCopy()
		if err := c.Restore(snap); err != nil {
			return nil, fmt.Errorf("restoring [%s][%d]: %w", snap.Index, snap.ShardID, err)
		}
		_ = c.Activate()
		if i == 0 {
			set.primary = c
		} else {
			set.replicas = append(set.replicas, c)
		}
	}
	g.start(set)
	return g, nil
}

func newGroup(indexName string, id int, reg *schema.Registry, log *replication.Log, opts Options) *Group {
	if opts.ReplicaWait <= 0 {
		opts.ReplicaWait = defaultReplicaWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		index:    indexName,
		id:       id,
		registry: reg,
		log:      log,
		opts:     opts,
		workers:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default().With("component", "shard-group", "index", indexName, "shard_id", id),
	}
}

func (g *Group) newCopy() *Shard {
	c := New(g.index, g.id, fmt.Sprintf("copy-%02d", g.nextCopy), g.registry)
	g.nextCopy++
	return c
}

func (g *Group) start(set *copySet) {
	g.copies.Store(set)
	for _, c := range set.all() {
		g.startCompaction(c)
	}
	for _, r := range set.replicas {
		g.startReplica(r.CopyID())
	}
}

func (g *Group) startCompaction(c *Shard) {
	c.StartCompaction(g.opts.MergeInterval, g.opts.MaxSegments, func(index.CompactionResult) {
		g.opts.Metrics.Compacted(g.index, g.id)
	})
}

// startReplica must be called with copiesMu held or before the group is
// shared.
func (g *Group) startReplica(copyID string) {
	ctx, cancel := context.WithCancel(g.ctx)
	g.workers[copyID] = cancel
	g.wg.Add(1)
	go g.runReplica(ctx, copyID)
}

func (g *Group) Index() string              { return g.index }
func (g *Group) ID() int                    { return g.id }
func (g *Group) Log() *replication.Log      { return g.log }
func (g *Group) Registry() *schema.Registry { return g.registry }
func (g *Group) Primary() *Shard            { return g.copies.Load().primary }
func (g *Group) Replicas() []*Shard         { return append([]*Shard(nil), g.copies.Load().replicas...) }
func (g *Group) Copies() []*Shard           { return g.copies.Load().all() }

// DocCount is the number of live documents on the primary.
func (g *Group) DocCount() int {
	if p := g.Primary(); p != nil {
		return p.DocCount()
	}
	return 0
}

func (g *Group) runReplica(ctx context.Context, copyID string) {
	defer g.wg.Done()
	for {
		wait := g.log.Committed()
		var retry <-chan time.Time
		if err := g.catchUp(copyID); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("replica catch-up failed", "copy", copyID, "error", err)
			retry = time.After(replicaRetryDelay)
		}
		r := g.copies.Load().replica(copyID)
		if r == nil || r.State() == Closed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-wait:
		case <-retry:
		}
	}
}

// catchUp replays committed entries onto a replica. Concurrent calls for the
// same copy share one replay.
func (g *Group) catchUp(copyID string) error {
	_, err, _ := g.sf.Do(copyID, func() (any, error) {
		r := g.copies.Load().replica(copyID)
		if r == nil {
			return nil, nil
		}
		err := g.replay(r)
		if errors.Is(err, replication.ErrTruncated) {
			err = g.recoverReplica(r)
		}
		if err == nil {
			cur := g.copies.Load().replica(copyID)
			if cur != nil {
				g.opts.Metrics.SetReplicationLag(g.index, g.id, copyID, g.log.CommittedSeq()-cur.AppliedSeq())
			}
		}
		return nil, err
	})
	return err
}

func (g *Group) replay(c *Shard) error {
	entries, err := g.log.ReplayFrom(c.AppliedSeq() + 1)
	if err != nil {
		return err
	}
	batch := make([]replication.Entry, 0, replayBatchSize)
	for e := range entries {
		batch = append(batch, e)
		if len(batch) == replayBatchSize {
			if err := c.ApplyBatch(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return c.ApplyBatch(batch)
	}
	return nil
}

// recoverReplica replaces a replica that fell behind the retained log with a
// fresh copy restored from the primary's snapshot.
func (g *Group) recoverReplica(old *Shard) error {
	primary := g.Primary()
	if primary == nil || primary.State() != Active {
		return apperrors.Wrapf(apperrors.ErrShardUnavailable, "no active primary to recover [%s][%d] copy %s from", g.index, g.id, old.CopyID())
	}
	snap := primary.Snapshot()
	if committed := g.log.CommittedSeq(); snap.AppliedSeq > committed {
		return apperrors.Wrapf(apperrors.ErrShardUnavailable, "primary snapshot at %d is ahead of committed %d", snap.AppliedSeq, committed)
	}
	fresh := New(g.index, g.id, old.CopyID(), g.registry)
	if err := fresh.Restore(snap); err != nil {
		return err
	}
	if err := g.replay(fresh); err != nil {
		return err
	}
	if err := fresh.Activate(); err != nil {
		return err
	}

	g.copiesMu.Lock()
	defer g.copiesMu.Unlock()
	set := g.copies.Load()
	next := &copySet{primary: set.primary}
	replaced := false
	for _, r := range set.replicas {
		if r == old {
			next.replicas = append(next.replicas, fresh)
			replaced = true
			continue
		}
		next.replicas = append(next.replicas, r)
	}
	if !replaced {
		fresh.Close()
		return nil
	}
	g.copies.Store(next)
	old.Close()
	g.startCompaction(fresh)
	g.logger.Info("replica recovered from snapshot", "copy", fresh.CopyID(), "applied_seq", fresh.AppliedSeq())
	return nil
}

// Write resolves a client write at the primary, logs it, applies it on the
// primary and commits it. The result is acknowledged only after commit.
func (g *Group) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	results, errs := g.WriteBatch(ctx, []WriteRequest{req})
	return results[0], errs[0]
}

// WriteBatch writes reqs in order. Staged entries are applied on the primary
// together as one index segment; a request for an id that is already staged
// flushes the stage first so it resolves against the latest version. For
// each request either results[i] or errs[i] is set. Once the primary is
// lost, the remaining requests fail with ErrShardUnavailable.
func (g *Group) WriteBatch(ctx context.Context, reqs []WriteRequest) ([]*WriteResult, []error) {
	results := make([]*WriteResult, len(reqs))
	errs := make([]error, len(reqs))

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	set := g.copies.Load()
	primary := set.primary
	ids := make(map[string]bool)
	var (
		staged  []replication.Entry
		pos     []int
		written []int
		lost    error
	)
	flush := func() {
		if len(staged) == 0 {
			return
		}
		n, err := g.installBatch(primary, staged)
		for k, i := range pos {
			if k < n {
				results[i].SeqNo = staged[k].Seq
				written = append(written, i)
				g.ship(ctx, staged[k])
				g.opts.Metrics.DocIndexed(g.index, string(reqs[i].Op))
				continue
			}
			results[i], errs[i] = nil, err
		}
		if err != nil {
			lost = err
		}
		staged, pos = staged[:0], pos[:0]
		clear(ids)
	}

	for i, req := range reqs {
		if ids[req.ID] {
			flush()
		}
		switch {
		case lost != nil:
			errs[i] = apperrors.Wrapf(apperrors.ErrShardUnavailable, "[%s][%d]: earlier write of the batch failed: %v", g.index, g.id, lost)
			continue
		case primary == nil || primary.State() != Active:
			errs[i] = apperrors.Wrapf(apperrors.ErrShardUnavailable, "primary of [%s][%d] is not active", g.index, g.id)
			continue
		}
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		op, res, err := g.resolve(primary, req)
		if err != nil {
			errs[i] = err
			continue
		}
		res.Shards = ShardsInfo{Total: len(set.replicas) + 1, Successful: 1}
		results[i] = res
		if op == nil {
			continue
		}
		staged = append(staged, g.log.Append(*op))
		pos = append(pos, i)
		ids[req.ID] = true
	}
	flush()

	if len(written) == 0 {
		return results, errs
	}
	if g.opts.WaitForReplicas && len(set.replicas) > 0 {
		ok := g.waitReplicas(ctx, set.replicas, results[written[len(written)-1]].SeqNo)
		for _, i := range written {
			results[i].Shards.Successful += ok
			results[i].Shards.Failed = len(set.replicas) - ok
		}
	}
	g.opts.Metrics.SetShardDocs(g.index, g.id, primary.DocCount())
	return results, errs
}

// installBatch applies freshly appended entries on the primary and commits
// them. It returns how many leading entries were committed; the others are
// dropped from the log again. The primary's applied sequence number must land
// exactly on the last entry.
func (g *Group) installBatch(primary *Shard, entries []replication.Entry) (int, error) {
	first, last := entries[0].Seq, entries[len(entries)-1].Seq
	err := primary.ApplyBatch(entries)
	applied := primary.AppliedSeq()
	n := len(entries)
	if err == nil && applied != last {
		err = apperrors.Wrapf(apperrors.ErrInternal, "primary of [%s][%d] is at seq %d, log appended up to seq %d", g.index, g.id, applied, last)
	}
	if err != nil {
		n = 0
		if applied >= first && applied < last {
			n = int(applied - first + 1)
		}
	}
	if g.beforeCommit != nil {
		for k := 0; k < n; k++ {
			if herr := g.beforeCommit(entries[k]); herr != nil {
				primary.Close()
				err = apperrors.Wrapf(apperrors.ErrShardUnavailable, "primary of [%s][%d] lost before commit of seq %d: %v", g.index, g.id, entries[k].Seq, herr)
				n = k
				break
			}
		}
	}
	if n > 0 {
		g.log.Commit(entries[n-1].Seq)
	}
	if n < len(entries) {
		if _, terr := g.log.TruncateAfter(first - 1 + int64(n)); terr != nil {
			g.logger.Error("failed to drop uncommitted entries", "from_seq", first+int64(n), "error", terr)
		}
	}
	return n, err
}

func (g *Group) ship(ctx context.Context, e replication.Entry) {
	if g.opts.Shipper == nil {
		return
	}
	if err := g.opts.Shipper.Ship(ctx, g.index, g.id, e); err != nil {
		g.logger.Warn("failed to ship entry", "seq", e.Seq, "error", err)
	}
}

// Apply takes an entry shipped from a remote primary into this group: it is
// appended to the group's own log under the same sequence number, applied on
// the local primary and committed, so local replicas replay it like any other
// write. Entries already in the log are skipped.
func (g *Group) Apply(e replication.Entry) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	last := g.log.LastSeq()
	if e.Seq <= last {
		return nil
	}
	if e.Seq != last+1 {
		return fmt.Errorf("[%s][%d]: entry %d after %d: %w", g.index, g.id, e.Seq, last, replication.ErrSequenceGap)
	}
	primary := g.copies.Load().primary
	if primary == nil || primary.State() != Active {
		return apperrors.Wrapf(apperrors.ErrShardUnavailable, "primary of [%s][%d] is not active", g.index, g.id)
	}
	if _, err := g.installBatch(primary, []replication.Entry{g.log.Append(e.Op)}); err != nil {
		return err
	}
	g.opts.Metrics.SetShardDocs(g.index, g.id, primary.DocCount())
	return nil
}

func (g *Group) waitReplicas(ctx context.Context, replicas []*Shard, seq int64) int {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ReplicaWait)
	defer cancel()
	ticker := time.NewTicker(replicaWaitPoll)
	defer ticker.Stop()
	for {
		caught := 0
		for _, r := range replicas {
			if r.State() == Active && r.AppliedSeq() >= seq {
				caught++
			}
		}
		if caught == len(replicas) {
			return caught
		}
		select {
		case <-ctx.Done():
			return caught
		case <-ticker.C:
		}
	}
}

func (g *Group) resolve(primary *Shard, req WriteRequest) (*replication.Op, *WriteResult, error) {
	if req.ID == "" {
		return nil, nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "document id is required for %s", req.Op)
	}
	cur, known := primary.Version(req.ID)
	live := known && !cur.Deleted
	res := &WriteResult{ID: req.ID}

	if req.IfSeqNo != nil && (!live || cur.SeqNo != *req.IfSeqNo) {
		return nil, nil, apperrors.Wrapf(apperrors.ErrVersionConflict, "[%s]: version conflict, required seqNo [%d], current document has seqNo [%d]", req.ID, *req.IfSeqNo, cur.SeqNo)
	}
	version := cur.Version + 1
	if req.VersionType == VersionExternal {
		if req.Version <= cur.Version && known {
			return nil, nil, apperrors.Wrapf(apperrors.ErrVersionConflict, "[%s]: version conflict, current version [%d] is higher or equal to the one provided [%d]", req.ID, cur.Version, req.Version)
		}
		version = req.Version
	}

	var source json.RawMessage
	switch req.Op {
	case WriteCreate:
		if live {
			return nil, nil, apperrors.Wrapf(apperrors.ErrVersionConflict, "[%s]: version conflict, document already exists (current version [%d])", req.ID, cur.Version)
		}
		source, res.Result = req.Source, "created"
	case WriteIndex:
		source, res.Result = req.Source, "created"
		if live {
			res.Result = "updated"
		}
	case WriteUpdate:
		if !live {
			switch {
			case req.Upsert != nil:
				source = req.Upsert
			case req.DocAsUpsert:
				source = req.Source
			default:
				return nil, nil, apperrors.Wrapf(apperrors.ErrDocumentNotFound, "[%s]: document missing", req.ID)
			}
			res.Result = "created"
			break
		}
		rec, _ := primary.store.View().Doc(req.ID)
		merged, changed, err := mergeSource(rec.Source, req.Source)
		if err != nil {
			return nil, nil, err
		}
		if !changed {
			res.Version, res.SeqNo, res.Result = cur.Version, cur.SeqNo, "noop"
			return nil, res, nil
		}
		source, res.Result = merged, "updated"
	case WriteDelete:
		if !live {
			res.Version, res.Result = cur.Version, "not_found"
			return nil, res, nil
		}
		res.Version, res.Result = version, "deleted"
		return &replication.Op{Type: replication.OpDelete, DocID: req.ID, Version: version}, res, nil
	default:
		return nil, nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "unknown write op %q", req.Op)
	}

	if _, err := g.registry.Parse(source); err != nil {
		return nil, nil, err
	}
	res.Version = version
	return &replication.Op{Type: replication.OpIndex, DocID: req.ID, Version: version, Source: source}, res, nil
}

// mergeSource applies a partial document to a stored source, merging nested
// objects recursively. changed is false when the merge leaves the source
// as it was. An empty partial is a no-op.
func mergeSource(current, partial json.RawMessage) (json.RawMessage, bool, error) {
	if len(bytes.TrimSpace(partial)) == 0 {
		return current, false, nil
	}
	base, err := decodeObject(current)
	if err != nil {
		return nil, false, err
	}
	patch, err := decodeObject(partial)
	if err != nil {
		return nil, false, apperrors.Wrapf(apperrors.ErrInvalidInput, "update doc must be a JSON object: %v", err)
	}
	before, _ := decodeObject(current)
	mergeObjects(base, patch)
	if reflect.DeepEqual(before, base) {
		return current, false, nil
	}
	out, err := json.Marshal(base)
	if err != nil {
		return nil, false, apperrors.Wrapf(apperrors.ErrInternal, "encoding merged source: %v", err)
	}
	return out, true, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = make(map[string]any)
	}
	return obj, nil
}

func mergeObjects(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				mergeObjects(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// inSync returns the copies that can serve reads with every committed write
// visible. The primary always qualifies while it is readable.
func (g *Group) inSync() []*Shard {
	committed := g.log.CommittedSeq()
	var out []*Shard
	for _, c := range g.copies.Load().all() {
		if c.readable() && c.AppliedSeq() >= committed {
			out = append(out, c)
		}
	}
	return out
}

func (g *Group) pick() *Shard {
	copies := g.inSync()
	if len(copies) == 0 {
		return nil
	}
	return copies[g.rr.Add(1)%uint64(len(copies))]
}

func (g *Group) onCopy(ctx context.Context, name string, fn func(c *Shard) error) error {
	return resilience.Retry(ctx, fmt.Sprintf("%s [%s][%d]", name, g.index, g.id), g.opts.Retry, func(int) error {
		c := g.pick()
		if c == nil {
			return apperrors.Wrapf(apperrors.ErrShardUnavailable, "no readable copy of [%s][%d]", g.index, g.id)
		}
		return fn(c)
	})
}

// Search runs plan on one in-sync copy, moving to the next copy with backoff
// when a copy is unavailable.
func (g *Group) Search(ctx context.Context, plan *query.Plan, k int) (*executor.Result, error) {
	var res *executor.Result
	err := g.onCopy(ctx, "search", func(c *Shard) error {
		r, err := c.Search(ctx, plan, k)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// Get reads a live document from one in-sync copy.
func (g *Group) Get(ctx context.Context, id string) (index.DocRecord, bool, error) {
	var (
		rec   index.DocRecord
		found bool
	)
	err := g.onCopy(ctx, "get", func(c *Shard) error {
		r, ok, err := c.Get(id)
		if err != nil {
			return err
		}
		rec, found = r, ok
		return nil
	})
	return rec, found, err
}

// FailPrimary closes the primary and promotes the most caught-up active
// replica. The uncommitted log tail is dropped and the new primary is
// brought up to the last committed entry before writes resume.
func (g *Group) FailPrimary(ctx context.Context) (string, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	g.copiesMu.Lock()
	defer g.copiesMu.Unlock()

	set := g.copies.Load()
	if set.primary != nil {
		set.primary.Close()
	}
	var candidates []replication.Candidate
	for _, r := range set.replicas {
		if r.State() == Active {
			candidates = append(candidates, replication.Candidate{ID: r.CopyID(), AppliedSeq: r.AppliedSeq()})
		}
	}
	winner, err := replication.Elect(candidates)
	if err != nil {
		g.copies.Store(&copySet{replicas: set.replicas})
		return "", apperrors.Wrapf(apperrors.ErrUnavailable, "[%s][%d] has no replica to promote: %v", g.index, g.id, err)
	}
	committed := g.log.CommittedSeq()
	dropped, err := g.log.TruncateAfter(committed)
	if err != nil {
		return "", err
	}
	if cancel, ok := g.workers[winner.ID]; ok {
		cancel()
		delete(g.workers, winner.ID)
	}
	promoted := set.replica(winner.ID)
	if err := g.replay(promoted); err != nil {
		return "", fmt.Errorf("catching up promoted copy %s: %w", winner.ID, err)
	}
	next := &copySet{primary: promoted}
	for _, r := range set.replicas {
		if r != promoted {
			next.replicas = append(next.replicas, r)
		}
	}
	g.copies.Store(next)
	g.opts.Metrics.Promoted(g.index, g.id)
	g.logger.Warn("promoted replica to primary",
		"copy", winner.ID,
		"applied_seq", promoted.AppliedSeq(),
		"committed_seq", committed,
		"dropped_uncommitted", dropped,
	)
	return winner.ID, nil
}

// AddReplica starts a new replica restored from the primary and caught up to
// the committed sequence number.
func (g *Group) AddReplica(ctx context.Context) (string, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	g.copiesMu.Lock()
	defer g.copiesMu.Unlock()

	set := g.copies.Load()
	if set.primary == nil || set.primary.State() != Active {
		return "", apperrors.Wrapf(apperrors.ErrShardUnavailable, "primary of [%s][%d] is not active", g.index, g.id)
	}
	r := g.newCopy()
	if err := r.Restore(set.primary.Snapshot()); err != nil {
		return "", err
	}
	if err := g.replay(r); err != nil {
		return "", err
	}
	if err := r.Activate(); err != nil {
		return "", err
	}
	g.copies.Store(&copySet{primary: set.primary, replicas: append(append([]*Shard(nil), set.replicas...), r)})
	g.startCompaction(r)
	g.startReplica(r.CopyID())
	g.logger.Info("replica added", "copy", r.CopyID(), "applied_seq", r.AppliedSeq())
	return r.CopyID(), nil
}

// Snapshot captures the primary's state with no write in flight.
func (g *Group) Snapshot() (*Snapshot, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	p := g.Primary()
	if p == nil || p.State() != Active {
		return nil, apperrors.Wrapf(apperrors.ErrShardUnavailable, "primary of [%s][%d] is not active", g.index, g.id)
	}
	return p.Snapshot(), nil
}

// CompactLog drops entries that every active copy has applied.
func (g *Group) CompactLog() int {
	low := g.log.CommittedSeq()
	for _, c := range g.copies.Load().all() {
		if c.State() == Active && c.AppliedSeq() < low {
			low = c.AppliedSeq()
		}
	}
	n := g.log.TruncateBefore(low + 1)
	if n > 0 {
		g.opts.Metrics.LogTruncated(g.index, g.id, n)
	}
	return n
}

func (g *Group) Health() Health {
	set := g.copies.Load()
	h := Health{ShardID: g.id, Replicas: len(set.replicas), CommittedSeq: g.log.CommittedSeq()}
	if set.primary != nil {
		h.Primary = set.primary.CopyID()
		h.PrimaryActive = set.primary.State() == Active
		h.Docs = set.primary.DocCount()
	}
	for _, r := range set.replicas {
		if r.State() == Active {
			h.ActiveReplicas++
		}
	}
	return h
}

// Close stops the replica workers and closes every copy.
func (g *Group) Close() {
	if !g.closed.CompareAndSwap(false, true) {
		return
	}
	g.cancel()
	g.wg.Wait()
	for _, c := range g.copies.Load().all() {
		c.Close()
	}
}
