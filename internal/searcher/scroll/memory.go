package scroll

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	cursor    Cursor
	expiresAt time.Time
}

// MemoryStore keeps cursors in process. Expired entries are rejected on read
// and removed by the sweeper.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	now      func() time.Time
	onExpire func(id string)
	logger   *slog.Logger
}

// NewMemoryStore creates a store; onExpire, if set, runs for every cursor
// dropped because its keep-alive passed.
func NewMemoryStore(onExpire func(id string)) *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]memoryEntry),
		now:      time.Now,
		onExpire: onExpire,
		logger:   slog.Default().With("component", "scroll-memory-store"),
	}
}

func (s *MemoryStore) Put(_ context.Context, c *Cursor, ttl time.Duration) error {
	cp := *c
	cp.Refs = slices.Clip(c.Refs)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[c.ID] = memoryEntry{cursor: cp, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Cursor, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok && !s.now().Before(e.expiresAt) {
		delete(s.entries, id)
		s.mu.Unlock()
		s.expire(id)
		return nil, expired(id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, expired(id)
	}
	c := e.cursor
	return &c, nil
}

func (s *MemoryStore) Delete(_ context.Context, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.entries[id]; ok {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	clear(s.entries)
	return n, nil
}

// Len is the number of stored cursors, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes expired cursors and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	var dropped []string
	s.mu.Lock()
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
			dropped = append(dropped, id)
		}
	}
	s.mu.Unlock()
	for _, id := range dropped {
		s.expire(id)
	}
	return len(dropped)
}

func (s *MemoryStore) expire(id string) {
	if s.onExpire != nil {
		s.onExpire(id)
	}
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("expired scroll cursors swept", "count", n)
				}
			}
		}
	}()
}
