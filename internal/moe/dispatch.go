package moe

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/parallel"
)

// Expert is one externally supplied expert network R^d → R^d.
//
// Forward receives the rows routed to the expert as a [B, d] batch and must
// return a [B, d] batch whose row i is the expert's output for input row i.
// Implementations must not retain or modify batch.
type Expert interface {
	Forward(ctx context.Context, batch *mat.Dense) (*mat.Dense, error)
}

// ExpertFunc adapts an ordinary function to the Expert interface.
type ExpertFunc func(ctx context.Context, batch *mat.Dense) (*mat.Dense, error)

// Forward calls f(ctx, batch).
func (f ExpertFunc) Forward(ctx context.Context, batch *mat.Dense) (*mat.Dense, error) {
	return f(ctx, batch)
}

// Pair identifies one (token, expert) candidate.
type Pair struct {
	Token  int
	Expert int
}

// Plan groups accepted candidates by destination expert.
//
// Tokens[e] lists, in ascending token order, the tokens whose rows form
// expert e's batch. Rows[t][s] is the row of token t's s-th choice inside
// its expert's batch, or -1 when that choice was dropped; it is the inverse
// permutation used to scatter results back.
type Plan struct {
	Tokens  [][]int
	Rows    [][]int
	Dropped []Pair
}

// NumDispatched returns the number of accepted (token, expert) pairs.
func (p *Plan) NumDispatched() int {
	n := 0
	for _, ts := range p.Tokens {
		n += len(ts)
	}
	return n
}

// BuildPlan builds the dispatch permutation for an allocation.
func BuildPlan(a *Allocation) *Plan {
	r := a.Routing
	p := &Plan{
		Tokens: make([][]int, r.NumExperts),
		Rows:   make([][]int, len(r.Tokens)),
	}
	for t, choices := range r.Tokens {
		rows := make([]int, len(choices))
		for s, c := range choices {
			if c.Status != StatusAccepted {
				rows[s] = -1
				p.Dropped = append(p.Dropped, Pair{Token: t, Expert: c.Expert})
				continue
			}
			rows[s] = len(p.Tokens[c.Expert])
			p.Tokens[c.Expert] = append(p.Tokens[c.Expert], t)
		}
		p.Rows[t] = rows
	}
	return p
}

// gather copies the listed token rows into a new [len(rows), d] batch.
func gather(tokens *mat.Dense, rows []int) *mat.Dense {
	_, d := tokens.Dims()
	batch := mat.NewDense(len(rows), d, nil)
	for i, t := range rows {
		copy(batch.RawRowView(i), tokens.RawRowView(t))
	}
	return batch
}

// checkExperts reports a *ShapeMismatchError unless experts holds exactly
// numExperts non-nil entries. Got counts the usable experts.
func checkExperts(experts []Expert, numExperts int) error {
	usable := 0
	for _, ex := range experts {
		if ex != nil {
			usable++
		}
	}
	if len(experts) != numExperts || usable != numExperts {
		return &ShapeMismatchError{
			Operand: "experts",
			Want:    [2]int{numExperts, -1},
			Got:     [2]int{usable, -1},
		}
	}
	return nil
}

// Dispatch evaluates every expert on its batch and returns the outputs
// indexed by expert id. Experts with an empty batch are not called and
// have a nil entry.
//
// Expert calls run concurrently on the pool; Dispatch returns only after
// all of them have finished. If any call fails, the remaining calls see a
// canceled context and the first failure is returned as an
// *ExpertInvocationError (or *ShapeMismatchError for a malformed output).
// No outputs are returned on failure.
func Dispatch(ctx context.Context, tokens *mat.Dense, plan *Plan, experts []Expert, pool parallel.Config) ([]*mat.Dense, error) {
	if err := checkExperts(experts, len(plan.Tokens)); err != nil {
		return nil, err
	}
	_, d := tokens.Dims()

	var active []int
	for e, ts := range plan.Tokens {
		if len(ts) > 0 {
			active = append(active, e)
		}
	}

	outputs := make([]*mat.Dense, len(experts))
	err := parallel.Run(ctx, len(active), func(ctx context.Context, i int) error {
		e := active[i]
		batch := gather(tokens, plan.Tokens[e])
		out, err := experts[e].Forward(ctx, batch)
		if err != nil {
			return &ExpertInvocationError{Expert: e, Err: err}
		}
		if out == nil {
			return &ShapeMismatchError{
				Operand: fmt.Sprintf("expert %d output", e),
				Want:    [2]int{len(plan.Tokens[e]), d},
			}
		}
		if r, c := out.Dims(); r != len(plan.Tokens[e]) || c != d {
			return &ShapeMismatchError{
				Operand: fmt.Sprintf("expert %d output", e),
				Want:    [2]int{len(plan.Tokens[e]), d},
				Got:     [2]int{r, c},
			}
		}
		outputs[e] = out
		return nil
	}, pool)
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

// Combine scatters expert outputs back to token positions.
//
// For each token, contributions are added in choice order, so the result is
// independent of the order in which experts finished:
//
//	out_t = Σ_accepted w · y_e(x_t)
//
// Dropped candidates are handled by policy:
//   - DropIdentity: a fully-dropped token outputs its own input.
//   - DropZero: a fully-dropped token outputs zeros.
//   - DropResidualScaled: every dropped candidate adds w · x_t; a token
//     with no candidate at all outputs its input.
func Combine(tokens *mat.Dense, a *Allocation, plan *Plan, outputs []*mat.Dense, policy DropPolicy, pool parallel.Config) *mat.Dense {
	n, d := tokens.Dims()
	out := mat.NewDense(n, d, nil)

	parallel.For(n, func(t int) {
		dst := out.RawRowView(t)
		x := tokens.RawRowView(t)
		for s, c := range a.Routing.Tokens[t] {
			if row := plan.Rows[t][s]; row >= 0 {
				floats.AddScaled(dst, c.Weight, outputs[c.Expert].RawRowView(row))
				continue
			}
			if policy == DropResidualScaled {
				floats.AddScaled(dst, c.Weight, x)
			}
		}
		if !a.FullyDropped[t] {
			return
		}
		// A token with no candidate at all has no gate mass to scale.
		if policy == DropIdentity || (policy == DropResidualScaled && len(a.Routing.Tokens[t]) == 0) {
			copy(dst, x)
		}
	}, pool)

	return out
}
