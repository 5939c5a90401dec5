package replication

import "errors"

// ErrNoCandidate is returned by Elect when no copy can be promoted.
var ErrNoCandidate = errors.New("no replica eligible for promotion")

// Candidate is a shard copy considered for promotion.
type Candidate struct {
	ID         string
	AppliedSeq int64
}

// Elect picks the most caught-up candidate: the highest applied sequence
// number wins, ties go to the lowest id.
func Elect(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return Candidate{}, ErrNoCandidate
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.AppliedSeq > best.AppliedSeq || (c.AppliedSeq == best.AppliedSeq && c.ID < best.ID) {
			best = c
		}
	}
	return best, nil
}
