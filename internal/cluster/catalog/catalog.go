// Package catalog persists index metadata so indices and their mappings
// survive a restart. Shard contents are recovered separately from snapshot
// files.
package catalog

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/analyzer"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/schema"
)

// IndexMeta is the durable description of one index.
type IndexMeta struct {
	Name      string                         `json:"name"`
	UUID      string                         `json:"uuid"`
	Shards    int                            `json:"number_of_shards"`
	Replicas  int                            `json:"number_of_replicas"`
	Analyzers map[string]analyzer.Definition `json:"analyzers,omitempty"`
	Mappings  schema.Mappings                `json:"mappings"`
	CreatedAt time.Time                      `json:"created_at"`
}

// Catalog stores IndexMeta by index name. Put replaces an existing entry and
// Delete of an unknown name is not an error.
type Catalog interface {
	Put(ctx context.Context, meta IndexMeta) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]IndexMeta, error)
}

// Memory is a process-local catalog. Nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	indices map[string]IndexMeta
}

func NewMemory() *Memory {
	return &Memory{indices: make(map[string]IndexMeta)}
}

func (m *Memory) Put(_ context.Context, meta IndexMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indices[meta.Name] = meta
	return nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indices, name)
	return nil
}

// List returns entries ordered by name.
func (m *Memory) List(_ context.Context) ([]IndexMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IndexMeta, 0, len(m.indices))
	for _, name := range slices.Sorted(maps.Keys(m.indices)) {
		out = append(out, m.indices[name])
	}
	return out, nil
}
