package moe

import (
	"cmp"
	"math"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// Capacity returns the per-expert token capacity for a batch of n tokens:
// ceil(factor * n / numExperts), clamped to [0, n]. No expert can take more
// than n tokens, so any larger factor behaves like an unlimited one.
func Capacity(factor float64, n, numExperts int) int {
	if n <= 0 {
		return 0
	}
	c := math.Ceil(factor * float64(n) / float64(numExperts))
	switch {
	case !(c > 0):
		return 0
	case c >= float64(n):
		return n
	}
	return int(c)
}

// Ledger counts, per expert, the candidates accepted and dropped during one
// allocation pass. Accepted[e] never exceeds Capacity.
type Ledger struct {
	Capacity int
	Accepted []int
	Dropped  []int
}

func newLedger(numExperts, capacity int) *Ledger {
	return &Ledger{
		Capacity: capacity,
		Accepted: make([]int, numExperts),
		Dropped:  make([]int, numExperts),
	}
}

// admit records one candidate for expert e and reports whether it fit.
func (l *Ledger) admit(e int) bool {
	if l.Accepted[e] >= l.Capacity {
		l.Dropped[e]++
		return false
	}
	l.Accepted[e]++
	return true
}

// Allocation is the capacity allocator's result.
type Allocation struct {
	// Routing is a copy of the input routing with every candidate resolved
	// to StatusAccepted or StatusDropped.
	Routing *Routing
	Ledger  *Ledger
	// FullyDropped marks tokens left without any accepted expert, including
	// tokens that had no candidate at all.
	FullyDropped []bool
}

// NumFullyDropped returns the number of tokens with no accepted expert.
func (a *Allocation) NumFullyDropped() int {
	n := 0
	for _, d := range a.FullyDropped {
		if d {
			n++
		}
	}
	return n
}

// candidate is one (token, expert) pair waiting for a capacity decision.
type candidate struct {
	token  int
	slot   int // index into the token's choice list
	expert int
	weight float64
}

// compareCandidates orders candidates by priority: gate weight descending,
// then token index ascending, then expert id ascending. The order is total,
// so the allocation never depends on input order or heap internals.
func compareCandidates(a, b candidate) int {
	if c := cmp.Compare(b.weight, a.weight); c != 0 {
		return c
	}
	if c := cmp.Compare(a.token, b.token); c != 0 {
		return c
	}
	return cmp.Compare(a.expert, b.expert)
}

// Allocate resolves every candidate of r against a per-expert capacity.
//
// Candidates are drained from a priority queue in compareCandidates order
// and greedily accepted until their expert is full; later candidates for a
// saturated expert are dropped. A token may keep some of its experts and
// lose others. The input routing is not modified.
func Allocate(r *Routing, capacity int) *Allocation {
	out := &Routing{
		NumExperts: r.NumExperts,
		Tokens:     make([][]Choice, len(r.Tokens)),
	}
	queue := binaryheap.NewWith[candidate](compareCandidates)
	for t, choices := range r.Tokens {
		out.Tokens[t] = append([]Choice(nil), choices...)
		for s, c := range choices {
			queue.Push(candidate{token: t, slot: s, expert: c.Expert, weight: c.Weight})
		}
	}

	ledger := newLedger(r.NumExperts, capacity)
	for {
		c, ok := queue.Pop()
		if !ok {
			break
		}
		status := StatusDropped
		if ledger.admit(c.expert) {
			status = StatusAccepted
		}
		out.Tokens[c.token][c.slot].Status = status
	}

	fully := make([]bool, len(out.Tokens))
	for t, choices := range out.Tokens {
		fully[t] = true
		for _, c := range choices {
			if c.Status == StatusAccepted {
				fully[t] = false
				break
			}
		}
	}

	return &Allocation{
		Routing:      out,
		Ledger:       ledger,
		FullyDropped: fully,
	}
}
