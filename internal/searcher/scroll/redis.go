package scroll

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pkgredis "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/redis"
)

const keyPrefix = "scroll:"

// RedisStore keeps cursors in Redis so any node sharing the instance can
// continue a scroll. Expiry is delegated to the key TTL.
type RedisStore struct {
	client *pkgredis.Client
}

func NewRedisStore(client *pkgredis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, c *Cursor, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling cursor: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+c.ID, data, ttl); err != nil {
		return fmt.Errorf("redis set cursor %s: %w", c.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Cursor, error) {
	data, err := s.client.Get(ctx, keyPrefix+id)
	if err != nil {
		if pkgredis.IsNilError(err) {
			return nil, expired(id)
		}
		return nil, fmt.Errorf("redis get cursor %s: %w", id, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling cursor %s: %w", id, err)
	}
	return &c, nil
}

func (s *RedisStore) Delete(ctx context.Context, ids ...string) (int, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	n, err := s.client.Del(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("redis delete cursors: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) DeleteAll(ctx context.Context) (int, error) {
	n, err := s.client.FlushByPattern(ctx, keyPrefix+"*")
	return int(n), err
}
