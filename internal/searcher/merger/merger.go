// Package merger combines per-shard ranked lists into one global ranking.
package merger

import (
	"container/heap"

	"github.com/Adithya-Monish-Kumar-K/shardsearch/internal/searcher/ranker"
)

// Merge performs a k-way merge of lists that are each already ordered by
// ranker.Less. It returns at most limit docs; limit <= 0 returns all.
func Merge(shardResults [][]ranker.ScoredDoc, limit int) []ranker.ScoredDoc {
	total := 0
	h := make(cursorHeap, 0, len(shardResults))
	for _, results := range shardResults {
		if len(results) > 0 {
			h = append(h, cursor{docs: results})
			total += len(results)
		}
	}
	heap.Init(&h)
	if limit <= 0 || limit > total {
		limit = total
	}
	result := make([]ranker.ScoredDoc, 0, limit)
	for h.Len() > 0 && len(result) < limit {
		top := &h[0]
		result = append(result, top.docs[top.pos])
		top.pos++
		if top.pos == len(top.docs) {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return result
}

type cursor struct {
	docs []ranker.ScoredDoc
	pos  int
}

type cursorHeap []cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	return ranker.Less(h[i].docs[h[i].pos], h[j].docs[h[j].pos])
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) {
	*h = append(*h, x.(cursor))
}

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
