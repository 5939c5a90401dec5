// Package shard manages the copies of an index's shards. A Shard is one
// copy with its own inverted index and lifecycle; a Group is the replica set
// of a shard, writing through a shared replication log; a Router maps
// documents to groups.
package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/replication"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// State is a copy's lifecycle phase.
type State int32

const (
	Initializing State = iota
	Active
	Relocating
	Closed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Relocating:
		return "relocating"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	Initializing: {Active, Closed},
	Active:       {Relocating, Closed},
	Relocating:   {Active, Closed},
}

// VersionInfo is the latest known version of a document id, kept for deleted
// ids too so replays cannot resurrect them.
type VersionInfo struct {
	Version int64 `json:"version"`
	SeqNo   int64 `json:"seq_no"`
	Deleted bool  `json:"deleted,omitempty"`
}

// Snapshot is a point-in-time copy of a shard's state.
type Snapshot struct {
	Index      string                 `json:"index"`
	ShardID    int                    `json:"shard"`
	AppliedSeq int64                  `json:"applied_seq"`
	Docs       []index.DocRecord      `json:"docs"`
	Versions   map[string]VersionInfo `json:"versions"`
}

// Shard is one copy of a shard.
type Shard struct {
	index    string
	id       int
	copyID   string
	state    atomic.Int32
	applied  atomic.Int64
	mu       sync.RWMutex
	versions map[string]VersionInfo
	store    *index.Store
	registry *schema.Registry
	exec     *executor.Executor
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// New creates an empty copy in the Initializing state.
func New(indexName string, id int, copyID string, reg *schema.Registry) *Shard {
	ctx, cancel := context.WithCancel(context.Background())
	return &Shard{
		index:    indexName,
		id:       id,
		copyID:   copyID,
		versions: make(map[string]VersionInfo),
		store:    index.NewStore(fmt.Sprintf("%s/%d/%s", indexName, id, copyID)),
		registry: reg,
		exec:     executor.New(id),
		ctx:      ctx,
		cancel:   cancel,
		logger: slog.Default().With(
			"component", "shard",
			"index", indexName,
			"shard_id", id,
			"copy", copyID,
		),
	}
}

func (s *Shard) Index() string     { return s.index }
func (s *Shard) ID() int           { return s.id }
func (s *Shard) CopyID() string    { return s.copyID }
func (s *Shard) State() State      { return State(s.state.Load()) }
func (s *Shard) AppliedSeq() int64 { return s.applied.Load() }

// DocCount is the number of live documents in the copy.
func (s *Shard) DocCount() int { return s.store.View().DocCount() }

// Transition moves the copy to another lifecycle state.
func (s *Shard) Transition(to State) error {
	for {
		from := s.State()
		if !allowed(from, to) {
			return apperrors.Wrapf(apperrors.ErrInvalidInput, "shard %s/%d/%s: cannot move from %s to %s", s.index, s.id, s.copyID, from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.logger.Info("shard state changed", "from", from.String(), "to", to.String())
			if to == Closed {
				s.cancel()
			}
			return nil
		}
	}
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Activate moves an initializing copy to Active.
func (s *Shard) Activate() error { return s.Transition(Active) }

// Close moves the copy to Closed. Closing twice is a no-op.
func (s *Shard) Close() {
	if s.State() == Closed {
		return
	}
	_ = s.Transition(Closed)
}

func (s *Shard) writable() bool {
	st := s.State()
	return st == Initializing || st == Active
}

func (s *Shard) readable() bool {
	st := s.State()
	return st == Active || st == Relocating
}

func (s *Shard) unavailable(op string) error {
	return apperrors.Wrapf(apperrors.ErrShardUnavailable, "%s on [%s][%d] copy %s in state %s", op, s.index, s.id, s.copyID, s.State())
}

// Apply applies one log entry. Entries at or below the applied sequence
// number and operations whose version is not newer than the known version
// of the document are skipped, which makes redelivery harmless.
func (s *Shard) Apply(e replication.Entry) error {
	return s.ApplyBatch([]replication.Entry{e})
}

// ApplyBatch applies entries in order and installs their index changes as
// one segment. Entries before a failing one stay applied.
func (s *Shard) ApplyBatch(entries []replication.Entry) error {
	if !s.writable() {
		return s.unavailable("apply")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := s.applied.Load()
	muts := make([]index.Mutation, 0, len(entries))
	var err error
loop:
	for _, e := range entries {
		if e.Seq <= applied {
			continue
		}
		if e.Seq != applied+1 {
			err = fmt.Errorf("shard [%s][%d] copy %s: entry %d after %d: %w", s.index, s.id, s.copyID, e.Seq, applied, replication.ErrSequenceGap)
			break
		}
		if cur, ok := s.versions[e.Op.DocID]; ok && e.Op.Version <= cur.Version {
			applied = e.Seq
			continue
		}
		switch e.Op.Type {
		case replication.OpIndex:
			doc, derr := s.document(e.Op.DocID, e.Op.Version, e.Seq, e.Op.Source)
			if derr != nil {
				err = fmt.Errorf("applying seq %d: %w", e.Seq, derr)
				break loop
			}
			muts = append(muts, index.Mutation{Doc: doc})
			s.versions[e.Op.DocID] = VersionInfo{Version: e.Op.Version, SeqNo: e.Seq}
		case replication.OpDelete:
			muts = append(muts, index.Mutation{Doc: index.Document{ID: e.Op.DocID}, Delete: true})
			s.versions[e.Op.DocID] = VersionInfo{Version: e.Op.Version, SeqNo: e.Seq, Deleted: true}
		default:
			err = apperrors.Wrapf(apperrors.ErrInternal, "unknown op type %q at seq %d", e.Op.Type, e.Seq)
			break loop
		}
		applied = e.Seq
	}
	s.store.Apply(muts)
	s.applied.Store(applied)
	return err
}

func (s *Shard) document(id string, version, seq int64, source json.RawMessage) (index.Document, error) {
	parsed, err := s.registry.Parse(source)
	if err != nil {
		return index.Document{}, err
	}
	return ToDocument(id, version, seq, source, parsed), nil
}

// ToDocument converts a parsed source into the form stored by the index.
func ToDocument(id string, version, seq int64, source json.RawMessage, parsed *schema.Parsed) index.Document {
	doc := index.Document{ID: id, Version: version, SeqNo: seq, Source: source}
	for _, pf := range parsed.Fields {
		f := index.Field{Name: pf.Name, Tokens: pf.Tokens}
		if pf.Type.Numeric() {
			f.Values = make([]float64, len(pf.Values))
			for i, v := range pf.Values {
				f.Values[i] = v.Num
			}
		}
		doc.Fields = append(doc.Fields, f)
	}
	return doc
}

// Version returns the latest known version of id, including deletions.
func (s *Shard) Version(id string) (VersionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	return v, ok
}

// Get returns the live document id.
func (s *Shard) Get(id string) (index.DocRecord, bool, error) {
	if !s.readable() {
		return index.DocRecord{}, false, s.unavailable("get")
	}
	rec, ok := s.store.View().Doc(id)
	return rec, ok, nil
}

// Search evaluates plan on the current index view and returns the top k
// hits; k <= 0 returns every match.
func (s *Shard) Search(ctx context.Context, plan *query.Plan, k int) (*executor.Result, error) {
	if !s.readable() {
		return nil, s.unavailable("search")
	}
	return s.exec.Execute(ctx, s.store.View(), plan, k)
}

// Snapshot captures the applied sequence number, live documents and version
// table atomically with respect to Apply.
func (s *Shard) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{
		Index:      s.index,
		ShardID:    s.id,
		AppliedSeq: s.applied.Load(),
		Docs:       s.store.View().Documents(),
		Versions:   maps.Clone(s.versions),
	}
}

// Restore rebuilds an initializing copy from snap.
func (s *Shard) Restore(snap *Snapshot) error {
	if s.State() != Initializing {
		return s.unavailable("restore")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make([]index.Document, 0, len(snap.Docs))
	for _, rec := range snap.Docs {
		doc, err := s.document(rec.ID, rec.Version, rec.SeqNo, rec.Source)
		if err != nil {
			return fmt.Errorf("restoring doc %s: %w", rec.ID, err)
		}
		docs = append(docs, doc)
	}
	s.store.Load(docs)
	s.versions = maps.Clone(snap.Versions)
	if s.versions == nil {
		s.versions = make(map[string]VersionInfo)
	}
	s.applied.Store(snap.AppliedSeq)
	s.logger.Info("shard restored from snapshot", "applied_seq", snap.AppliedSeq, "docs", len(docs))
	return nil
}

// StartCompaction runs the index compaction loop until the copy is closed.
func (s *Shard) StartCompaction(interval time.Duration, maxSegments int, onCompact func(index.CompactionResult)) {
	if interval <= 0 {
		return
	}
	s.store.StartCompactionLoop(s.ctx, interval, maxSegments, onCompact)
}

// Compact merges the copy's segments immediately.
func (s *Shard) Compact() (index.CompactionResult, bool) {
	return s.store.Compact()
}
