package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/coordinator"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
)

// SearchRequest is a search against one index. Scroll > 0 opens a cursor
// kept alive for that long.
type SearchRequest struct {
	Query json.RawMessage `json:"query,omitempty"`
	From  int             `json:"from,omitempty"`
	Size  *int            `json:"size,omitempty"`

	Routing string        `json:"-"`
	Scroll  time.Duration `json:"-"`
	Strict  *bool         `json:"-"`
}

func (n *Node) Search(ctx context.Context, indexName string, req SearchRequest) (*coordinator.Response, error) {
	idx, err := n.Index(indexName)
	if err != nil {
		return nil, err
	}
	q, err := query.Parse(req.Query)
	if err != nil {
		return nil, err
	}
	scrolling := req.Scroll > 0
	size := n.cfg.Search.DefaultSize
	if req.Size != nil {
		size = *req.Size
	}
	if scrolling {
		if size == 0 {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "[size] cannot be [0] in a scroll context")
		}
		if _, err := n.scrolls.KeepAlive(req.Scroll); err != nil {
			return nil, err
		}
	}
	resp, err := n.coord.Execute(ctx, idx.Target(), coordinator.Request{
		Query:   q,
		From:    req.From,
		Size:    req.Size,
		Routing: req.Routing,
		Strict:  req.Strict,
		Scroll:  scrolling,
	})
	if err != nil {
		return nil, err
	}
	if scrolling {
		id, err := n.scrolls.Open(ctx, indexName, resp.Ranked, size, resp.Hits.MaxScore, req.Scroll)
		if err != nil {
			return nil, err
		}
		resp.ScrollID = id
	}
	return resp, nil
}

// ScrollNext returns the next page of a scroll and renews its keep-alive.
func (n *Node) ScrollNext(ctx context.Context, scrollID string, keepAlive time.Duration) (*coordinator.Response, error) {
	start := time.Now()
	page, err := n.scrolls.Next(ctx, scrollID, keepAlive)
	if err != nil {
		return nil, err
	}
	idx, err := n.Index(page.Index)
	if err != nil {
		return nil, err
	}
	target := idx.Target()
	hits, failures := n.coord.Fetch(ctx, target, page.Refs)

	resp := &coordinator.Response{
		ScrollID: page.ScrollID,
		Shards:   coordinator.ShardStats{Total: len(target.Shards), Failures: failures},
		Hits: coordinator.Hits{
			Total:    coordinator.TotalHits{Value: page.Total, Relation: "eq"},
			MaxScore: page.MaxScore,
			Hits:     hits,
		},
	}
	failed := make(map[int]bool)
	for _, f := range failures {
		failed[f.Shard] = true
		if f.Reason.Type == apperrors.Type(apperrors.ErrTimeout) {
			resp.TimedOut = true
		}
	}
	resp.Shards.Failed = len(failed)
	resp.Shards.Successful = resp.Shards.Total - resp.Shards.Failed
	resp.Took = time.Since(start).Milliseconds()
	return resp, nil
}

// ClearScroll drops cursors; "_all" drops every cursor.
func (n *Node) ClearScroll(ctx context.Context, ids ...string) (int, error) {
	return n.scrolls.Clear(ctx, ids...)
}
