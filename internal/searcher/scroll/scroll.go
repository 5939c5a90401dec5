// Package scroll keeps ranked search results alive between requests so a
// client can page through every hit. A cursor stores hit references only;
// sources are fetched per page.
package scroll

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/ranker"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/metrics"
)

// Cursor is the state of one scroll.
type Cursor struct {
	ID       string             `json:"id"`
	Index    string             `json:"index"`
	Refs     []ranker.ScoredDoc `json:"refs"`
	Offset   int                `json:"offset"`
	Size     int                `json:"size"`
	MaxScore *float64           `json:"max_score,omitempty"`
}

// Store persists cursors with a keep-alive. Get returns
// apperrors.ErrCursorExpired for unknown or expired ids.
type Store interface {
	Put(ctx context.Context, c *Cursor, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Cursor, error)
	Delete(ctx context.Context, ids ...string) (int, error)
	DeleteAll(ctx context.Context) (int, error)
}

// Page is one batch of references read from a cursor.
type Page struct {
	ScrollID string
	Index    string
	Refs     []ranker.ScoredDoc
	Total    int
	MaxScore *float64
}

type Manager struct {
	store   Store
	cfg     config.ScrollConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	// mu serialises Next so concurrent calls on one cursor get disjoint pages.
	mu sync.Mutex
}

func NewManager(store Store, cfg config.ScrollConfig, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "scroll-manager"),
	}
}

// KeepAlive validates a requested keep-alive; zero selects the default.
func (m *Manager) KeepAlive(ttl time.Duration) (time.Duration, error) {
	if ttl <= 0 {
		return m.cfg.DefaultTTL, nil
	}
	if m.cfg.MaxTTL > 0 && ttl > m.cfg.MaxTTL {
		return 0, apperrors.Wrapf(apperrors.ErrInvalidInput,
			"keep alive for scroll (%s) is too large, it must be less than (%s)", ttl, m.cfg.MaxTTL)
	}
	return ttl, nil
}

// Open stores the complete ranking of a search whose first page of size hits
// has already been returned and yields the cursor id.
func (m *Manager) Open(ctx context.Context, indexName string, ranked []ranker.ScoredDoc, size int, maxScore *float64, ttl time.Duration) (string, error) {
	ttl, err := m.KeepAlive(ttl)
	if err != nil {
		return "", err
	}
	c := &Cursor{
		ID:       uuid.NewString(),
		Index:    indexName,
		Refs:     ranked,
		Offset:   min(size, len(ranked)),
		Size:     size,
		MaxScore: maxScore,
	}
	if err := m.store.Put(ctx, c, ttl); err != nil {
		return "", fmt.Errorf("storing scroll cursor: %w", err)
	}
	m.metrics.ScrollOpened()
	m.logger.Debug("scroll opened", "scroll_id", c.ID, "index", indexName, "total", len(ranked), "ttl", ttl)
	return c.ID, nil
}

// Next returns the next page of a cursor and renews its keep-alive. An
// exhausted cursor keeps returning empty pages until it expires or is
// cleared.
func (m *Manager) Next(ctx context.Context, id string, ttl time.Duration) (*Page, error) {
	ttl, err := m.KeepAlive(ttl)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	end := min(c.Offset+c.Size, len(c.Refs))
	page := &Page{
		ScrollID: c.ID,
		Index:    c.Index,
		Refs:     c.Refs[c.Offset:end],
		Total:    len(c.Refs),
		MaxScore: c.MaxScore,
	}
	c.Offset = end
	if err := m.store.Put(ctx, c, ttl); err != nil {
		return nil, fmt.Errorf("renewing scroll cursor: %w", err)
	}
	return page, nil
}

// Clear removes cursors. The id "_all" clears every cursor.
func (m *Manager) Clear(ctx context.Context, ids ...string) (int, error) {
	var (
		n   int
		err error
	)
	if len(ids) == 1 && strings.EqualFold(ids[0], "_all") {
		n, err = m.store.DeleteAll(ctx)
	} else {
		n, err = m.store.Delete(ctx, ids...)
	}
	if err != nil {
		return n, fmt.Errorf("clearing scroll cursors: %w", err)
	}
	for i := 0; i < n; i++ {
		m.metrics.ScrollClosed(false)
	}
	return n, nil
}

func expired(id string) error {
	return apperrors.Wrapf(apperrors.ErrCursorExpired, "No search context found for id [%s]", id)
}
