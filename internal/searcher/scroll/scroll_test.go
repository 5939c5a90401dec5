package scroll

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/ranker"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
	pkgredis "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/redis"
)

func scrollConfig() config.ScrollConfig {
	return config.ScrollConfig{Store: "memory", DefaultTTL: time.Minute, MaxTTL: time.Hour}
}

func refs(n int) []ranker.ScoredDoc {
	out := make([]ranker.ScoredDoc, n)
	for i := range out {
		out[i] = ranker.ScoredDoc{DocID: fmt.Sprintf("d%03d", i), Score: float64(n - i), ShardID: i % 3}
	}
	return out
}

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryStore() (*MemoryStore, *fakeClock, *[]string) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var expiredIDs []string
	s := NewMemoryStore(func(id string) { expiredIDs = append(expiredIDs, id) })
	s.now = clock.Now
	return s, clock, &expiredIDs
}

func drain(t *testing.T, m *Manager, id string, first int, all []ranker.ScoredDoc) []string {
	t.Helper()
	seen := make([]string, 0, len(all))
	for _, r := range all[:first] {
		seen = append(seen, r.DocID)
	}
	for {
		page, err := m.Next(context.Background(), id, 0)
		require.NoError(t, err)
		assert.Equal(t, len(all), page.Total)
		if len(page.Refs) == 0 {
			return seen
		}
		for _, r := range page.Refs {
			seen = append(seen, r.DocID)
		}
	}
}

func TestPagesAreDisjointAndExhaustive(t *testing.T) {
	store, _, _ := newMemoryStore()
	m := NewManager(store, scrollConfig(), nil)
	all := refs(40)

	id, err := m.Open(context.Background(), "contracts", all, 10, nil, 0)
	require.NoError(t, err)
	seen := drain(t, m, id, 10, all)

	want := make([]string, len(all))
	for i, r := range all {
		want[i] = r.DocID
	}
	assert.Equal(t, want, seen)
}

func TestCursorExpiresWithoutRenewal(t *testing.T) {
	store, clock, expiredIDs := newMemoryStore()
	m := NewManager(store, scrollConfig(), nil)
	id, err := m.Open(context.Background(), "contracts", refs(30), 10, nil, 2*time.Minute)
	require.NoError(t, err)

	// each call renews the keep-alive
	clock.Advance(90 * time.Second)
	_, err = m.Next(context.Background(), id, 2*time.Minute)
	require.NoError(t, err)
	clock.Advance(90 * time.Second)
	page, err := m.Next(context.Background(), id, time.Minute)
	require.NoError(t, err)
	assert.Len(t, page.Refs, 10)

	clock.Advance(time.Minute)
	_, err = m.Next(context.Background(), id, time.Minute)
	assert.ErrorIs(t, err, apperrors.ErrCursorExpired)
	assert.Equal(t, []string{id}, *expiredIDs)

	_, err = m.Next(context.Background(), "unknown", 0)
	assert.ErrorIs(t, err, apperrors.ErrCursorExpired)
}

func TestKeepAliveBounds(t *testing.T) {
	m := NewManager(NewMemoryStore(nil), scrollConfig(), nil)
	ttl, err := m.KeepAlive(0)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
	_, err = m.KeepAlive(2 * time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = m.Open(context.Background(), "contracts", refs(3), 1, nil, 2*time.Hour)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestClear(t *testing.T) {
	store, _, _ := newMemoryStore()
	m := NewManager(store, scrollConfig(), nil)
	a, err := m.Open(context.Background(), "contracts", refs(5), 2, nil, 0)
	require.NoError(t, err)
	b, err := m.Open(context.Background(), "contracts", refs(5), 2, nil, 0)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), "contracts", refs(5), 2, nil, 0)
	require.NoError(t, err)

	n, err := m.Clear(context.Background(), a, "missing")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Next(context.Background(), a, 0)
	assert.ErrorIs(t, err, apperrors.ErrCursorExpired)
	_, err = m.Next(context.Background(), b, 0)
	require.NoError(t, err)

	n, err = m.Clear(context.Background(), "_all")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, store.Len())
}

func TestSweep(t *testing.T) {
	store, clock, expiredIDs := newMemoryStore()
	m := NewManager(store, scrollConfig(), nil)
	short, err := m.Open(context.Background(), "contracts", refs(3), 1, nil, time.Second)
	require.NoError(t, err)
	_, err = m.Open(context.Background(), "contracts", refs(3), 1, nil, time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, []string{short}, *expiredIDs)
}

func TestConcurrentNextHandsOutDisjointPages(t *testing.T) {
	m := NewManager(NewMemoryStore(nil), scrollConfig(), nil)
	all := refs(100)
	id, err := m.Open(context.Background(), "contracts", all, 5, nil, 0)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				page, err := m.Next(context.Background(), id, 0)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, r := range page.Refs {
					seen[r.DocID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 95)
	for docID, n := range seen {
		assert.Equal(t, 1, n, docID)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SP_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: addr, PoolSize: 4})
	if err != nil {
		t.Skipf("skipping redis store test: redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	m := NewManager(NewRedisStore(client), scrollConfig(), nil)
	all := refs(12)
	id, err := m.Open(context.Background(), "contracts", all, 5, nil, 0)
	require.NoError(t, err)
	t.Cleanup(func() { m.Clear(context.Background(), id) })

	assert.Len(t, drain(t, m, id, 5, all), 12)
	n, err := m.Clear(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Next(context.Background(), id, 0)
	assert.ErrorIs(t, err, apperrors.ErrCursorExpired)
}
