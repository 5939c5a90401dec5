// Package ranker scores documents with Okapi BM25 using shard-local field
// statistics and orders scored documents deterministically.
package ranker

import (
	"math"
	"slices"
	"strings"
)

const (
	k1 = 1.2
	b  = 0.75
)

// ScoredDoc is a ranked reference to a document on a shard.
type ScoredDoc struct {
	DocID   string  `json:"doc_id"`
	Score   float64 `json:"score"`
	ShardID int     `json:"shard"`
}

// TermScorer scores one query term in one field.
type TermScorer struct {
	idf       float64
	avgLength float64
	boost     float64
}

// NewTermScorer prepares a scorer from the number of documents that have the
// field, the number that contain the term and the average field length.
func NewTermScorer(docCount, docFreq int, avgLength, boost float64) TermScorer {
	return TermScorer{
		idf:       computeIDF(int64(docCount), int64(docFreq)),
		avgLength: avgLength,
		boost:     boost,
	}
}

// Score returns the BM25 contribution of a term occurring freq times in a
// field of the given length.
func (s TermScorer) Score(freq, length int) float64 {
	return s.boost * s.idf * computeTFNorm(float64(freq), float64(length), s.avgLength)
}

// Less orders by score descending, then doc id ascending, then shard.
func Less(a, b ScoredDoc) bool {
	return Compare(a, b) < 0
}

// Compare is the three-way form of Less.
func Compare(a, b ScoredDoc) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	if c := strings.Compare(a.DocID, b.DocID); c != 0 {
		return c
	}
	return a.ShardID - b.ShardID
}

// Sort orders docs in place and truncates to limit when limit > 0.
func Sort(docs []ScoredDoc, limit int) []ScoredDoc {
	slices.SortFunc(docs, Compare)
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}

func computeIDF(totalDocs int64, docFreq int64) float64 {
	numerator := float64(totalDocs) - float64(docFreq) + 0.5
	denominator := float64(docFreq) + 0.5
	return math.Log(1 + numerator/denominator)
}

func computeTFNorm(termFreq float64, docLength float64, avgDocLength float64) float64 {
	if avgDocLength == 0 || termFreq == 0 {
		return 0
	}
	lengthRatio := docLength / avgDocLength
	denominator := termFreq + k1*(1-b+b*lengthRatio)
	return (termFreq * (k1 + 1)) / denominator
}
