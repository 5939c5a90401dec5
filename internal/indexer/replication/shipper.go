package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/resilience"
)

// Publisher is the subset of the Kafka producer used for shipping.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Message is the value written to the replication topic.
type Message struct {
	Index string `json:"index"`
	Shard int    `json:"shard"`
	Entry Entry  `json:"entry"`
}

// Key is the partition key of a shard's entries. Keeping one key per shard
// preserves entry order within a Kafka partition.
func Key(index string, shard int) string {
	return fmt.Sprintf("%s/%d", index, shard)
}

// ShipperConfig tunes batching of shipped entries.
type ShipperConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// MaxPending caps entries held for retry while publishing fails. The
	// oldest are dropped beyond it; followers that miss them stop at a
	// sequence gap and need re-seeding.
	MaxPending    int
	Metrics       *metrics.Metrics
}

// KafkaShipper publishes committed entries asynchronously. A failed batch is
// kept and retried on the next flush, so delivery is at-least-once; followers
// deduplicate by sequence number.
type KafkaShipper struct {
	pub     Publisher
	breaker *resilience.CircuitBreaker
	queue   chan Message
	cfg     ShipperConfig
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewKafkaShipper(pub Publisher, breaker *resilience.CircuitBreaker, cfg ShipperConfig) *KafkaShipper {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 4 * cfg.BufferSize
	}
	return &KafkaShipper{
		pub:     pub,
		breaker: breaker,
		queue:   make(chan Message, cfg.BufferSize),
		cfg:     cfg,
		logger:  logger.WithComponent("replication-shipper"),
	}
}

// Ship enqueues a committed entry. It blocks while the buffer is full.
func (s *KafkaShipper) Ship(ctx context.Context, index string, shard int, e Entry) error {
	select {
	case s.queue <- Message{Index: index, Shard: shard, Entry: e}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shipping %s seq %d: %w", Key(index, shard), e.Seq, ctx.Err())
	}
}

// Start runs the publish loop until ctx is cancelled. Pending entries are
// flushed once more on shutdown with a short deadline.
func (s *KafkaShipper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	var pending []kafka.Event
	for {
		select {
		case <-ctx.Done():
			pending = s.drain(pending)
			if len(pending) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.flush(flushCtx, pending); err != nil {
					s.logger.Error("final flush failed", "pending", len(pending), "error", err)
				}
				cancel()
			}
			s.logger.Info("shipper stopped")
			return
		case msg := <-s.queue:
			pending = append(pending, event(msg))
			if len(pending) < s.cfg.BatchSize {
				continue
			}
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
		}
		if err := s.flush(ctx, pending); err != nil {
			if !errors.Is(err, resilience.ErrCircuitOpen) {
				s.logger.Warn("publishing replication batch failed", "pending", len(pending), "error", err)
			}
			pending = s.shed(pending)
			continue
		}
		pending = pending[:0]
	}
}

// Dropped is the number of entries discarded because MaxPending was reached.
func (s *KafkaShipper) Dropped() int64 {
	return s.dropped.Load()
}

// shed drops the oldest pending entries beyond MaxPending.
func (s *KafkaShipper) shed(pending []kafka.Event) []kafka.Event {
	over := len(pending) - s.cfg.MaxPending
	if over <= 0 {
		return pending
	}
	s.dropped.Add(int64(over))
	s.cfg.Metrics.ShipDropped(over)
	first := pending[over].Value.(Message)
	s.logger.Error("replication buffer full, dropping oldest entries",
		"dropped", over,
		"first_kept", Key(first.Index, first.Shard),
		"first_kept_seq", first.Entry.Seq,
	)
	return append(pending[:0], pending[over:]...)
}

func (s *KafkaShipper) drain(pending []kafka.Event) []kafka.Event {
	for {
		select {
		case msg := <-s.queue:
			pending = append(pending, event(msg))
		default:
			return pending
		}
	}
}

func (s *KafkaShipper) flush(ctx context.Context, batch []kafka.Event) error {
	return s.breaker.Execute(func() error {
		return s.pub.PublishBatch(ctx, batch)
	})
}

func event(msg Message) kafka.Event {
	return kafka.Event{Key: Key(msg.Index, msg.Shard), Value: msg}
}
