// Package coordinator runs a search across the shards of an index: it fans
// the compiled plan out to every target shard, merges the ranked partial
// results and fetches the sources of the requested page.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/executor"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/merger"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/query"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/ranker"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/pkg/tracing"
)

// ShardSearcher is one shard's replica set as seen by the coordinator.
type ShardSearcher interface {
	ID() int
	Search(ctx context.Context, plan *query.Plan, k int) (*executor.Result, error)
	Get(ctx context.Context, id string) (index.DocRecord, bool, error)
}

// Target is the index a request runs against. Shards is ordered by shard ID.
type Target struct {
	Index   string
	Mapping query.Mapping
	Shards  []ShardSearcher
}

type Request struct {
	Query *query.Query
	From  int
	// Size nil means the configured default page size.
	Size    *int
	Routing string
	// Strict overrides the configured partial-result policy when set.
	Strict *bool
	// Scroll keeps the complete ranking in Response.Ranked.
	Scroll bool
}

type ErrorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ShardFailure struct {
	Index  string     `json:"index"`
	Shard  int        `json:"shard"`
	Reason ErrorCause `json:"reason"`
}

type ShardStats struct {
	Total      int            `json:"total"`
	Successful int            `json:"successful"`
	Skipped    int            `json:"skipped"`
	Failed     int            `json:"failed"`
	Failures   []ShardFailure `json:"failures,omitempty"`
}

type Hit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

type TotalHits struct {
	Value    int    `json:"value"`
	Relation string `json:"relation"`
}

type Hits struct {
	Total    TotalHits `json:"total"`
	MaxScore *float64  `json:"max_score"`
	Hits     []Hit     `json:"hits"`
}

type Response struct {
	Took     int64      `json:"took"`
	TimedOut bool       `json:"timed_out"`
	Shards   ShardStats `json:"_shards"`
	Hits     Hits       `json:"hits"`
	ScrollID string     `json:"_scroll_id,omitempty"`

	// Ranked is every matching reference in rank order, set for scroll
	// requests only.
	Ranked []ranker.ScoredDoc `json:"-"`
}

type Coordinator struct {
	cfg     config.SearchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(cfg config.SearchConfig, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "coordinator"),
	}
}

type shardOutcome struct {
	res     *executor.Result
	err     error
	skipped bool
}

// Execute runs req against target. Failed or timed out shards are reported in
// the response unless strict mode turns them into ErrPartialFailure; when no
// shard answers the query fails with ErrUnavailable.
func (c *Coordinator) Execute(ctx context.Context, target Target, req Request) (*Response, error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "search")
	span.SetAttr("index", target.Index)
	defer func() {
		span.End()
		span.Log(c.logger)
	}()
	from, size, err := c.window(req)
	if err != nil {
		return nil, err
	}
	q := req.Query
	if q == nil {
		q = query.MatchAll()
	}
	plan, err := query.Compile(q, target.Mapping)
	if err != nil {
		return nil, err
	}

	k := from + size
	if req.Scroll {
		k = 0
	} else if k == 0 {
		k = 1
	}
	outcomes := c.fanOut(ctx, target, plan, k, req.Routing)

	resp := &Response{Shards: ShardStats{Total: len(target.Shards)}}
	lists := make([][]ranker.ScoredDoc, 0, len(outcomes))
	var (
		firstErr error
		maxScore float64
		haveMax  bool
	)
	for id, o := range outcomes {
		switch {
		case o.skipped:
			resp.Shards.Skipped++
			resp.Shards.Successful++
		case o.err != nil:
			if firstErr == nil {
				firstErr = o.err
			}
			c.shardFailed(resp, target.Index, id, o.err)
		default:
			resp.Shards.Successful++
			resp.Hits.Total.Value += o.res.Total
			if len(o.res.Hits) > 0 && (!haveMax || o.res.MaxScore > maxScore) {
				maxScore, haveMax = o.res.MaxScore, true
			}
			lists = append(lists, o.res.Hits)
		}
	}
	queried := resp.Shards.Total - resp.Shards.Skipped
	if queried > 0 && resp.Shards.Failed == queried {
		c.metrics.ObserveSearch(target.Index, "failed", time.Since(start))
		return nil, fmt.Errorf("%w: all %d shards failed for [%s]: %w", apperrors.ErrUnavailable, queried, target.Index, firstErr)
	}
	if resp.Shards.Failed > 0 && c.strict(req) {
		c.metrics.ObserveSearch(target.Index, "failed", time.Since(start))
		return nil, apperrors.Wrapf(apperrors.ErrPartialFailure, "%d of %d shards failed for [%s]: %v", resp.Shards.Failed, resp.Shards.Total, target.Index, firstErr)
	}

	limit := k
	if req.Scroll {
		limit = 0
	}
	ranked := merger.Merge(lists, limit)
	resp.Hits.Total.Relation = "eq"
	if resp.Hits.Total.Value > 0 {
		resp.Hits.MaxScore = &maxScore
	}
	if req.Scroll {
		resp.Ranked = ranked
	}

	page := Page(ranked, from, size)
	hits, failures := c.Fetch(ctx, target, page)
	if len(failures) > 0 && c.strict(req) {
		c.metrics.ObserveSearch(target.Index, "failed", time.Since(start))
		return nil, apperrors.Wrapf(apperrors.ErrPartialFailure, "fetch failed on shard [%d] of [%s]: %s", failures[0].Shard, target.Index, failures[0].Reason.Reason)
	}
	for _, f := range failures {
		if c.addFailure(resp, f) {
			resp.Shards.Successful--
		}
	}
	resp.Hits.Hits = hits
	resp.Took = time.Since(start).Milliseconds()

	outcome := "ok"
	if resp.Shards.Failed > 0 {
		outcome = "partial"
	}
	c.metrics.ObserveSearch(target.Index, outcome, time.Since(start))
	c.logger.Debug("search executed",
		"index", target.Index,
		"total", resp.Hits.Total.Value,
		"returned", len(hits),
		"shards_failed", resp.Shards.Failed,
		"took_ms", resp.Took,
	)
	return resp, nil
}

func (c *Coordinator) window(req Request) (int, int, error) {
	size := c.cfg.DefaultSize
	if req.Size != nil {
		size = *req.Size
	}
	if req.From < 0 || size < 0 {
		return 0, 0, apperrors.Wrapf(apperrors.ErrInvalidInput, "[from] and [size] must be non-negative, got from [%d] size [%d]", req.From, size)
	}
	if req.Scroll && req.From > 0 {
		return 0, 0, apperrors.Wrapf(apperrors.ErrInvalidInput, "using [from] is not allowed in a scroll context")
	}
	if req.From+size > c.cfg.MaxResultWindow {
		return 0, 0, apperrors.Wrapf(apperrors.ErrInvalidInput,
			"Result window is too large, from + size must be less than or equal to: [%d] but was [%d]",
			c.cfg.MaxResultWindow, req.From+size)
	}
	return req.From, size, nil
}

func (c *Coordinator) strict(req Request) bool {
	if req.Strict != nil {
		return *req.Strict
	}
	return c.cfg.Strict
}

// fanOut queries every target shard concurrently, or only the routed shard
// when routing is set. Each shard call is bounded by TimeoutPerShard; a
// straggler keeps running but its result is discarded.
func (c *Coordinator) fanOut(ctx context.Context, target Target, plan *query.Plan, k int, routing string) []shardOutcome {
	outcomes := make([]shardOutcome, len(target.Shards))
	only := -1
	if routing != "" {
		only = shard.ShardFor(routing, len(target.Shards))
	}
	var g errgroup.Group
	if c.cfg.MaxConcurrentShardRequests > 0 {
		g.SetLimit(c.cfg.MaxConcurrentShardRequests)
	}
	for i, s := range target.Shards {
		if only >= 0 && i != only {
			outcomes[i].skipped = true
			continue
		}
		g.Go(func() error {
			var res *executor.Result
			sctx, span := tracing.Start(ctx, "query_phase")
			span.SetAttr("shard", s.ID())
			defer span.End()
			name := fmt.Sprintf("search [%s][%d]", target.Index, s.ID())
			err := resilience.WithTimeout(sctx, c.cfg.TimeoutPerShard, name, func(ctx context.Context) error {
				r, err := s.Search(ctx, plan, k)
				if err != nil {
					return err
				}
				res = r
				return nil
			})
			// res is only safe to read once fn has returned
			o := shardOutcome{err: err}
			if err == nil {
				o.res = res
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (c *Coordinator) shardFailed(resp *Response, indexName string, id int, err error) {
	c.addFailure(resp, ShardFailure{
		Index:  indexName,
		Shard:  id,
		Reason: ErrorCause{Type: apperrors.Type(err), Reason: err.Error()},
	})
	c.metrics.ShardFailure(indexName, id)
	c.logger.Warn("shard search failed", "index", indexName, "shard_id", id, "error", err)
}

// addFailure records f once per shard and reports whether it was new.
func (c *Coordinator) addFailure(resp *Response, f ShardFailure) bool {
	for _, existing := range resp.Shards.Failures {
		if existing.Shard == f.Shard {
			return false
		}
	}
	resp.Shards.Failures = append(resp.Shards.Failures, f)
	resp.Shards.Failed++
	if f.Reason.Type == apperrors.Type(apperrors.ErrTimeout) {
		resp.TimedOut = true
	}
	return true
}

// Page returns ranked[from:from+size], clamped to the list.
func Page(ranked []ranker.ScoredDoc, from, size int) []ranker.ScoredDoc {
	if from >= len(ranked) {
		return nil
	}
	end := min(from+size, len(ranked))
	return ranked[from:end]
}

// Fetch loads the sources of refs from their shards, keeping rank order.
// Documents deleted since the query phase are dropped; a shard that cannot
// serve the fetch is reported as failed.
func (c *Coordinator) Fetch(ctx context.Context, target Target, refs []ranker.ScoredDoc) ([]Hit, []ShardFailure) {
	ctx, span := tracing.Start(ctx, "fetch_phase")
	span.SetAttr("docs", len(refs))
	defer span.End()
	hits := make([]Hit, len(refs))
	found := make([]bool, len(refs))
	var (
		mu       sync.Mutex
		failures []ShardFailure
		g        errgroup.Group
	)
	if c.cfg.MaxConcurrentShardRequests > 0 {
		g.SetLimit(c.cfg.MaxConcurrentShardRequests)
	}
	for i, ref := range refs {
		if ref.ShardID < 0 || ref.ShardID >= len(target.Shards) {
			continue
		}
		s := target.Shards[ref.ShardID]
		g.Go(func() error {
			rec, ok, err := s.Get(ctx, ref.DocID)
			if err != nil {
				mu.Lock()
				failures = append(failures, ShardFailure{
					Index:  target.Index,
					Shard:  ref.ShardID,
					Reason: ErrorCause{Type: apperrors.Type(err), Reason: err.Error()},
				})
				mu.Unlock()
				return nil
			}
			if ok {
				hits[i] = Hit{Index: target.Index, ID: rec.ID, Score: ref.Score, Source: rec.Source}
				found[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	out := make([]Hit, 0, len(refs))
	for i, h := range hits {
		if found[i] {
			out = append(out, h)
		}
	}
	return out, failures
}
