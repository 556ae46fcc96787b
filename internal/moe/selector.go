package moe

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Status is the routing decision recorded for one (token, expert) candidate.
type Status uint8

// Candidate statuses. Select emits Pending; Allocate resolves every
// candidate to Accepted or Dropped.
const (
	StatusPending Status = iota
	StatusAccepted
	StatusDropped
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusDropped:
		return "dropped"
	}
	return "unknown"
}

// Choice is one candidate assignment of a token to an expert.
type Choice struct {
	Expert int     // Expert id
	Weight float64 // Normalised gate weight in (0, 1]
	Status Status
}

// Routing is the per-token list of candidate assignments, in selection
// order (highest score first).
type Routing struct {
	NumExperts int
	Tokens     [][]Choice
}

// NumCandidates returns the total number of (token, expert) candidates.
func (r *Routing) NumCandidates() int {
	total := 0
	for _, choices := range r.Tokens {
		total += len(choices)
	}
	return total
}

// Select picks, for every token, the k highest-scoring experts and
// normalises their gate weights with a softmax over just those k scores.
//
// Ties are broken by lower expert id. Non-finite scores are never selected,
// so a token whose selected groups hold fewer than k experts gets fewer
// choices; its weights still sum to 1. A weight that underflows to exactly
// zero is removed and the remainder renormalised, so every emitted weight
// is strictly positive.
func Select(scores *mat.Dense, k int) *Routing {
	n, e := scores.Dims()
	r := &Routing{
		NumExperts: e,
		Tokens:     make([][]Choice, n),
	}
	for i := 0; i < n; i++ {
		row := scores.RawRowView(i)
		r.Tokens[i] = selectRow(row, topFinite(row, k))
	}
	return r
}

func selectRow(row []float64, picked []int) []Choice {
	if len(picked) == 0 {
		return nil
	}
	// picked is ordered best first, so row[picked[0]] is the max.
	maxVal := row[picked[0]]
	choices := make([]Choice, 0, len(picked))
	sum := 0.0
	for _, e := range picked {
		w := math.Exp(row[e] - maxVal)
		if w == 0 {
			continue
		}
		choices = append(choices, Choice{Expert: e, Weight: w})
		sum += w
	}
	kept := choices[:0]
	for _, c := range choices {
		// A subnormal weight can still round to zero here.
		if c.Weight /= sum; c.Weight > 0 {
			kept = append(kept, c)
		}
	}
	return kept
}
