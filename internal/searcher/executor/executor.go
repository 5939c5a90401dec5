// Package executor evaluates a compiled query plan against one shard's index
// view and returns the shard's ranked partial result.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/indexer/index"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/query"
	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/ranker"
)

// Result is a shard's partial result: the top k hits by score and the total
// number of matching documents.
type Result struct {
	Hits     []ranker.ScoredDoc
	Total    int
	MaxScore float64
}

type Executor struct {
	shardID int
	logger  *slog.Logger
}

func New(shardID int) *Executor {
	return &Executor{
		shardID: shardID,
		logger:  slog.Default().With("component", "query-executor", "shard_id", shardID),
	}
}

// matches is an evaluated clause: matching doc ids in order and, for scoring
// clauses, each doc's score.
type matches struct {
	docs   index.PostingList
	scores map[string]float64
}

// Execute runs plan over view. k <= 0 returns every match.
func (e *Executor) Execute(ctx context.Context, view *index.View, plan *query.Plan, k int) (*Result, error) {
	ev := &evaluator{ctx: ctx, view: view}
	m, err := ev.eval(plan.Root)
	if err != nil {
		return nil, err
	}
	hits := make([]ranker.ScoredDoc, 0, len(m.docs))
	for _, p := range m.docs {
		hits = append(hits, ranker.ScoredDoc{DocID: p.DocID, Score: m.scores[p.DocID], ShardID: e.shardID})
	}
	res := &Result{Total: len(hits)}
	res.Hits = ranker.Sort(hits, k)
	if len(res.Hits) > 0 {
		res.MaxScore = res.Hits[0].Score
	}
	e.logger.Debug("query executed",
		"kind", plan.Root.Kind,
		"total", res.Total,
		"returned", len(res.Hits),
	)
	return res, nil
}

type evaluator struct {
	ctx  context.Context
	view *index.View
}

func (ev *evaluator) eval(n *query.Node) (matches, error) {
	if err := ev.ctx.Err(); err != nil {
		return matches{}, fmt.Errorf("evaluating %s: %w", n.Kind, err)
	}
	switch n.Kind {
	case query.KindMatchAll:
		return constant(index.FromDocIDs(ev.view.DocIDs()), n.Boost), nil
	case query.KindMatchNone:
		return matches{scores: map[string]float64{}}, nil
	case query.KindIDs:
		var ids []string
		for _, id := range n.Terms {
			if ev.view.Has(id) {
				ids = append(ids, id)
			}
		}
		return constant(index.FromDocIDs(ids), n.Boost), nil
	case query.KindExists:
		return constant(index.FromDocIDs(ev.view.FieldDocs(n.Field)), n.Boost), nil
	case query.KindTerms, query.KindMatch:
		return ev.terms(n), nil
	case query.KindMatchPhrase:
		return ev.phrase(n), nil
	case query.KindRange:
		return ev.rangeDocs(n), nil
	case query.KindBool:
		return ev.boolean(n)
	}
	return matches{}, fmt.Errorf("unsupported plan node %q", n.Kind)
}

func constant(docs index.PostingList, boost float64) matches {
	scores := make(map[string]float64, len(docs))
	for _, p := range docs {
		scores[p.DocID] = boost
	}
	return matches{docs: docs, scores: scores}
}

func (ev *evaluator) scorer(field string, docFreq int, boost float64) ranker.TermScorer {
	st := ev.view.FieldStats(field)
	return ranker.NewTermScorer(st.Docs, docFreq, st.AvgLength(), boost)
}

// terms scores a disjunction of terms, keeping docs that contain at least
// n.MinMatch distinct terms.
func (ev *evaluator) terms(n *query.Node) matches {
	var union index.PostingList
	scores := make(map[string]float64)
	counts := make(map[string]int)
	for _, term := range n.Terms {
		list := ev.view.Lookup(n.Field, term)
		if len(list) == 0 {
			continue
		}
		s := ev.scorer(n.Field, len(list), n.Boost)
		for _, p := range list {
			scores[p.DocID] += s.Score(p.Frequency, ev.view.FieldLength(n.Field, p.DocID))
			counts[p.DocID]++
		}
		union = index.Union(union, index.FromDocIDs(list.DocIDs()))
	}
	minMatch := max(n.MinMatch, 1)
	docs := union[:0:0]
	for _, p := range union {
		if counts[p.DocID] >= minMatch {
			docs = append(docs, p)
		}
	}
	return matches{docs: docs, scores: scores}
}

// phrase keeps docs where the terms occur at their query-relative positions,
// each allowed to drift by at most n.Slop.
func (ev *evaluator) phrase(n *query.Node) matches {
	lists := make([]index.PostingList, len(n.Terms))
	for i, term := range n.Terms {
		lists[i] = ev.view.Lookup(n.Field, term)
		if len(lists[i]) == 0 {
			return matches{scores: map[string]float64{}}
		}
	}
	candidates := lists[0]
	for _, l := range lists[1:] {
		candidates = index.Intersect(candidates, l)
	}
	aligned := make([]index.PostingList, len(lists))
	for i, l := range lists {
		aligned[i] = index.Intersect(l, candidates)
	}
	scorers := make([]ranker.TermScorer, len(lists))
	for i, l := range lists {
		scorers[i] = ev.scorer(n.Field, len(l), n.Boost)
	}

	var docs index.PostingList
	scores := make(map[string]float64)
	for j, cand := range candidates {
		freq := 0
		for _, start := range aligned[0][j].Positions {
			if phraseAt(aligned, j, n.Positions, start, n.Slop) {
				freq++
			}
		}
		if freq == 0 {
			continue
		}
		docs = append(docs, index.Posting{DocID: cand.DocID, Frequency: freq})
		length := ev.view.FieldLength(n.Field, cand.DocID)
		for _, s := range scorers {
			scores[cand.DocID] += s.Score(freq, length)
		}
	}
	return matches{docs: docs, scores: scores}
}

func phraseAt(aligned []index.PostingList, j int, rel []int, start, slop int) bool {
	for i := 1; i < len(aligned); i++ {
		want := start + rel[i] - rel[0]
		found := false
		for _, pos := range aligned[i][j].Positions {
			if pos >= want && pos <= want+slop {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (ev *evaluator) rangeDocs(n *query.Node) matches {
	var ids []string
	for _, id := range ev.view.FieldDocs(n.Field) {
		for _, v := range ev.view.Values(n.Field, id) {
			if inRange(n, v) {
				ids = append(ids, id)
				break
			}
		}
	}
	return constant(index.FromDocIDs(ids), n.Boost)
}

func inRange(n *query.Node, v float64) bool {
	if n.Lower != nil && (v < *n.Lower || (!n.IncludeLower && v == *n.Lower)) {
		return false
	}
	if n.Upper != nil && (v > *n.Upper || (!n.IncludeUpper && v == *n.Upper)) {
		return false
	}
	return true
}

func (ev *evaluator) boolean(n *query.Node) (matches, error) {
	var required index.PostingList
	constrained := false
	scores := make(map[string]float64)
	restrict := func(docs index.PostingList) {
		if !constrained {
			required = docs
			constrained = true
			return
		}
		required = index.Intersect(required, docs)
	}

	for _, c := range n.Must {
		m, err := ev.eval(c)
		if err != nil {
			return matches{}, err
		}
		restrict(m.docs)
		for id, s := range m.scores {
			scores[id] += s
		}
	}
	for _, c := range n.Filter {
		m, err := ev.eval(c)
		if err != nil {
			return matches{}, err
		}
		restrict(m.docs)
	}
	if len(n.Should) > 0 {
		var union index.PostingList
		counts := make(map[string]int)
		for _, c := range n.Should {
			m, err := ev.eval(c)
			if err != nil {
				return matches{}, err
			}
			for _, p := range m.docs {
				counts[p.DocID]++
			}
			for id, s := range m.scores {
				scores[id] += s
			}
			union = index.Union(union, index.FromDocIDs(m.docs.DocIDs()))
		}
		if n.MinimumShouldMatch > 0 {
			var enough index.PostingList
			for _, p := range union {
				if counts[p.DocID] >= n.MinimumShouldMatch {
					enough = append(enough, p)
				}
			}
			restrict(enough)
		}
	}
	if !constrained {
		restrict(index.FromDocIDs(ev.view.DocIDs()))
	}
	for _, c := range n.MustNot {
		m, err := ev.eval(c)
		if err != nil {
			return matches{}, err
		}
		required = index.Difference(required, m.docs)
	}

	final := make(map[string]float64, len(required))
	for _, p := range required {
		final[p.DocID] = n.Boost * scores[p.DocID]
	}
	return matches{docs: required, scores: final}, nil
}
