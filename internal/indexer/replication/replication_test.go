package replication

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/resilience"
)

func indexOp(id string, version int64) Op {
	return Op{Type: OpIndex, DocID: id, Version: version, Source: json.RawMessage(`{}`)}
}

func collect(t *testing.T, l *Log, from int64) []int64 {
	t.Helper()
	entries, err := l.ReplayFrom(from)
	require.NoError(t, err)
	var seqs []int64
	for e := range entries {
		seqs = append(seqs, e.Seq)
	}
	return seqs
}

func TestLogAppendCommitReplay(t *testing.T) {
	l := NewLog()
	for i := 0; i < 5; i++ {
		e := l.Append(indexOp("d", int64(i+1)))
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Empty(t, collect(t, l, 0), "nothing committed yet")

	l.Commit(3)
	assert.Equal(t, []int64{1, 2, 3}, collect(t, l, 0))
	assert.Equal(t, []int64{2, 3}, collect(t, l, 2))

	l.Commit(2)
	assert.Equal(t, int64(3), l.CommittedSeq(), "commit never moves backwards")
	l.Commit(99)
	assert.Equal(t, int64(5), l.CommittedSeq(), "commit capped at last seq")
}

func TestReplayIsLazyAndRestartable(t *testing.T) {
	l := NewLog()
	l.Append(indexOp("a", 1))
	l.Commit(1)

	entries, err := l.ReplayFrom(1)
	require.NoError(t, err)
	var seen []int64
	for e := range entries {
		seen = append(seen, e.Seq)
		if e.Seq == 1 {
			l.Append(indexOp("b", 1))
			l.Commit(2)
		}
	}
	assert.Equal(t, []int64{1, 2}, seen)

	var again []int64
	for e := range entries {
		again = append(again, e.Seq)
		break
	}
	assert.Equal(t, []int64{1}, again)
}

func TestTruncation(t *testing.T) {
	l := NewLog()
	for i := 0; i < 6; i++ {
		l.Append(indexOp("d", int64(i+1)))
	}
	l.Commit(4)

	assert.Equal(t, 2, l.TruncateBefore(3))
	assert.Equal(t, int64(3), l.FirstSeq())
	_, err := l.ReplayFrom(2)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.Equal(t, []int64{3, 4}, collect(t, l, 3))

	_, err = l.TruncateAfter(3)
	assert.Error(t, err, "committed entries are never dropped")

	n, err := l.TruncateAfter(4)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(4), l.LastSeq())

	e := l.Append(indexOp("x", 1))
	assert.Equal(t, int64(5), e.Seq)
}

func TestCommittedChannel(t *testing.T) {
	l := NewLog()
	ch := l.Committed()
	l.Append(indexOp("a", 1))
	select {
	case <-ch:
		t.Fatal("closed before commit")
	default:
	}
	l.Commit(1)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("not closed after commit")
	}
}

func TestElect(t *testing.T) {
	_, err := Elect(nil)
	assert.ErrorIs(t, err, ErrNoCandidate)

	best, err := Elect([]Candidate{{ID: "r2", AppliedSeq: 7}, {ID: "r1", AppliedSeq: 9}, {ID: "r3", AppliedSeq: 9}})
	require.NoError(t, err)
	assert.Equal(t, "r1", best.ID)

	best, err = Elect([]Candidate{{ID: "r3", AppliedSeq: 4}, {ID: "r2", AppliedSeq: 4}})
	require.NoError(t, err)
	assert.Equal(t, "r2", best.ID)
}

type fakePublisher struct {
	mu      sync.Mutex
	fail    int
	batches [][]kafka.Event
}

func (f *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("broker down")
	}
	f.batches = append(f.batches, append([]kafka.Event(nil), events...))
	return nil
}

func (f *fakePublisher) published() []kafka.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kafka.Event
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func TestShipperRetriesFailedBatch(t *testing.T) {
	pub := &fakePublisher{fail: 1}
	breaker := resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{FailureThreshold: 5})
	s := NewKafkaShipper(pub, breaker, ShipperConfig{BatchSize: 10, FlushInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.Ship(ctx, "contracts", 2, Entry{Seq: i, Op: indexOp("d", i)}))
	}
	require.Eventually(t, func() bool { return len(pub.published()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	events := pub.published()
	assert.Equal(t, "contracts/2", events[0].Key)
	msg := events[2].Value.(Message)
	assert.Equal(t, int64(3), msg.Entry.Seq)
}

func TestShipperCapsPendingWhileBrokerDown(t *testing.T) {
	pub := &fakePublisher{fail: 1 << 30}
	breaker := resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{FailureThreshold: 1 << 20})
	m := metrics.New(prometheus.NewRegistry())
	s := NewKafkaShipper(pub, breaker, ShipperConfig{
		BufferSize:    16,
		BatchSize:     2,
		FlushInterval: 5 * time.Millisecond,
		MaxPending:    4,
		Metrics:       m,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, s.Ship(ctx, "contracts", 0, Entry{Seq: i, Op: indexOp("d", i)}))
	}
	require.Eventually(t, func() bool { return s.Dropped() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 6.0, testutil.ToFloat64(m.ShipDroppedTotal))

	pub.mu.Lock()
	pub.fail = 0
	pub.mu.Unlock()
	require.Eventually(t, func() bool { return len(pub.published()) == 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	var seqs []int64
	for _, e := range pub.published() {
		seqs = append(seqs, e.Value.(Message).Entry.Seq)
	}
	assert.Equal(t, []int64{7, 8, 9, 10}, seqs)
	assert.Equal(t, int64(6), s.Dropped())
}

type fakeApplier struct {
	applied []int64
	err     error
}

func (f *fakeApplier) Apply(e Entry) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, e.Seq)
	return nil
}

func TestHandleEntries(t *testing.T) {
	target := &fakeApplier{}
	handler := HandleEntries(func(index string, shard int) (Applier, error) {
		if index != "contracts" || shard != 1 {
			return nil, errors.New("unknown shard")
		}
		return target, nil
	})
	value, err := json.Marshal(Message{Index: "contracts", Shard: 1, Entry: Entry{Seq: 4, Op: indexOp("a", 2)}})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), []byte("contracts/1"), value))
	assert.Equal(t, []int64{4}, target.applied)

	assert.NoError(t, handler(context.Background(), nil, []byte("garbage")), "poison messages are skipped")

	target.err = ErrSequenceGap
	err = handler(context.Background(), nil, value)
	assert.ErrorIs(t, err, ErrSequenceGap)

	other, _ := json.Marshal(Message{Index: "other", Shard: 0})
	assert.Error(t, handler(context.Background(), nil, other))
}

func TestNewLogAt(t *testing.T) {
	l := NewLogAt(41)
	assert.Equal(t, int64(41), l.CommittedSeq())
	_, err := l.ReplayFrom(41)
	assert.ErrorIs(t, err, ErrTruncated)
	e := l.Append(indexOp("a", 1))
	assert.Equal(t, int64(42), e.Seq)
	l.Commit(42)
	assert.Equal(t, []int64{42}, collect(t, l, 42))
}
