// Package replication orders the writes of one shard. The primary appends
// operations to a Log; replicas replay committed entries from it in strictly
// increasing sequence order. Committed entries can additionally be shipped
// to Kafka so followers on other nodes converge on the same state.
package replication

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
)

var (
	// ErrTruncated is returned when replay starts below the oldest retained
	// entry. The caller must recover from a snapshot instead.
	ErrTruncated = errors.New("replication log truncated")
	// ErrSequenceGap is returned by appliers that receive an entry whose
	// predecessor was never applied.
	ErrSequenceGap = errors.New("replication sequence gap")
)

// OpType is the kind of a logged write.
type OpType string

const (
	OpIndex  OpType = "index"
	OpDelete OpType = "delete"
)

// Op is a fully resolved write: the version has already been decided by the
// primary, so replaying it is deterministic.
type Op struct {
	Type    OpType          `json:"type"`
	DocID   string          `json:"doc_id"`
	Version int64           `json:"version"`
	Source  json.RawMessage `json:"source,omitempty"`
}

// Entry is an immutable, sequenced log record.
type Entry struct {
	Seq int64 `json:"seq"`
	Op  Op    `json:"op"`
}

// Log is an append-only, strictly ordered sequence of entries for one shard.
// Sequence numbers start at 1.
type Log struct {
	mu        sync.RWMutex
	entries   []Entry
	first     int64 // seq of entries[0]
	last      int64
	committed int64
	changed   chan struct{}
}

func NewLog() *Log {
	return NewLogAt(0)
}

// NewLogAt creates an empty log whose entries up to seq are considered
// committed and already truncated, as after restoring from a snapshot.
func NewLogAt(seq int64) *Log {
	return &Log{first: seq + 1, last: seq, committed: seq, changed: make(chan struct{})}
}

// Append assigns the next sequence number to op.
func (l *Log) Append(op Op) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last++
	e := Entry{Seq: l.last, Op: op}
	l.entries = append(l.entries, e)
	return e
}

// Commit marks every entry up to seq as acknowledged. Commit never moves
// backwards and never passes the last appended entry.
func (l *Log) Commit(seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.last {
		seq = l.last
	}
	if seq <= l.committed {
		return
	}
	l.committed = seq
	close(l.changed)
	l.changed = make(chan struct{})
}

// Committed returns a channel closed at the next commit.
func (l *Log) Committed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.changed
}

func (l *Log) CommittedSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.committed
}

func (l *Log) LastSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// FirstSeq is the oldest sequence number still retained.
func (l *Log) FirstSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.first
}

// Len is the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// ReplayFrom returns the committed entries with Seq >= seq, in order. The
// sequence is lazy: each step reads the log afresh, so entries committed
// while iterating are included, and ranging over it again restarts from seq.
// Sequence numbers below 1 are treated as 1.
func (l *Log) ReplayFrom(seq int64) (iter.Seq[Entry], error) {
	if seq < 1 {
		seq = 1
	}
	l.mu.RLock()
	first := l.first
	l.mu.RUnlock()
	if seq < first {
		return nil, fmt.Errorf("replay from %d, oldest retained %d: %w", seq, first, ErrTruncated)
	}
	return func(yield func(Entry) bool) {
		for next := seq; ; next++ {
			e, ok := l.committedEntry(next)
			if !ok || !yield(e) {
				return
			}
		}
	}, nil
}

func (l *Log) committedEntry(seq int64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq > l.committed || seq < l.first {
		return Entry{}, false
	}
	return l.entries[seq-l.first], true
}

// TruncateBefore discards committed entries below seq, typically once a
// snapshot covering them exists.
func (l *Log) TruncateBefore(seq int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.committed+1 {
		seq = l.committed + 1
	}
	if seq <= l.first {
		return 0
	}
	n := int(seq - l.first)
	l.entries = append([]Entry(nil), l.entries[n:]...)
	l.first = seq
	return n
}

// TruncateAfter drops every entry above seq. It refuses to drop committed
// entries and returns the number removed.
func (l *Log) TruncateAfter(seq int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < l.committed {
		return 0, fmt.Errorf("cannot truncate to %d below committed seq %d", seq, l.committed)
	}
	if seq >= l.last {
		return 0, nil
	}
	n := int(l.last - seq)
	l.entries = l.entries[:len(l.entries)-n]
	l.last = seq
	return n, nil
}
