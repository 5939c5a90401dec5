package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/logger"
)

// Applier applies log entries to a shard copy. Implementations skip entries
// they have already applied and return ErrSequenceGap for out-of-order ones.
type Applier interface {
	Apply(e Entry) error
}

// Resolver finds the local copy that follows a remote shard.
type Resolver func(index string, shard int) (Applier, error)

// HandleEntries returns a Kafka MessageHandler that applies shipped entries
// to local follower copies. Undecodable messages are logged and skipped.
func HandleEntries(resolve Resolver) kafka.MessageHandler {
	log := logger.WithComponent("replication-follower")
	return func(ctx context.Context, key []byte, value []byte) error {
		msg, err := kafka.DecodeJSON[Message](value)
		if err != nil {
			log.Error("failed to decode replication entry",
				"error", err,
				"key", string(key),
			)
			return nil
		}
		target, err := resolve(msg.Index, msg.Shard)
		if err != nil {
			return fmt.Errorf("resolving follower for %s: %w", Key(msg.Index, msg.Shard), err)
		}
		if err := target.Apply(msg.Entry); err != nil {
			if errors.Is(err, ErrSequenceGap) {
				log.Warn("follower is behind, entry not applied",
					"key", string(key),
					"seq", msg.Entry.Seq,
				)
			}
			return fmt.Errorf("applying %s seq %d: %w", Key(msg.Index, msg.Shard), msg.Entry.Seq, err)
		}
		log.Debug("replication entry applied",
			"key", string(key),
			"seq", msg.Entry.Seq,
			"op", msg.Entry.Op.Type,
		)
		return nil
	}
}
