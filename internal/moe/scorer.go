package moe

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/nn"
	"github.com/hag-moe/hagmoe/internal/parallel"
)

// Gate holds the trainable parameters of the hierarchical scorer.
//
// Scoring is two-stage scaled dot-product attention:
//
//	coarse[n,g] = (x_n Wc) · Kg[g] / √d_k     over all G groups
//	fine[n,e]   = (x_n Wf) · Ke[e] / √d_k     over experts of the top-m groups
//
// Parameter shapes:
//   - Wc (coarse query): [d, d_k]
//   - Kg (group keys):   [G, d_k]
//   - Wf (fine query):   [d, d_k]
//   - Ke (expert keys):  [E, d_k]
type Gate struct {
	numExperts int
	numGroups  int
	topGroups  int
	modelDim   int
	keyDim     int
	scale      float64

	owner   []int   // group of each expert
	members [][]int // experts of each group, ascending

	coarseQuery *nn.Parameter
	groupKeys   *nn.Parameter
	fineQuery   *nn.Parameter
	expertKeys  *nn.Parameter
}

// NewGate validates cfg and initialises the gate parameters with Xavier
// weights drawn from cfg.Seed.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	owner, err := cfg.groupTable()
	if err != nil {
		return nil, err
	}

	members := make([][]int, cfg.NumGroups)
	for e, g := range owner {
		members[g] = append(members[g], e)
	}

	d, dk := cfg.ModelDim, cfg.KeyWidth()
	//nolint:gosec // Parameter initialisation, not security-critical.
	rng := rand.New(rand.NewSource(cfg.Seed))

	return &Gate{
		numExperts:  cfg.NumExperts,
		numGroups:   cfg.NumGroups,
		topGroups:   cfg.TopKGroups,
		modelDim:    d,
		keyDim:      dk,
		scale:       1 / math.Sqrt(float64(dk)),
		owner:       owner,
		members:     members,
		coarseQuery: nn.NewParameter("gate.coarse_query", nn.Xavier(d, dk, d, dk, rng)),
		groupKeys:   nn.NewParameter("gate.group_keys", nn.Xavier(dk, cfg.NumGroups, cfg.NumGroups, dk, rng)),
		fineQuery:   nn.NewParameter("gate.fine_query", nn.Xavier(d, dk, d, dk, rng)),
		expertKeys:  nn.NewParameter("gate.expert_keys", nn.Xavier(dk, cfg.NumExperts, cfg.NumExperts, dk, rng)),
	}, nil
}

// Parameters returns the trainable parameters in a fixed order:
// coarse query, group keys, fine query, expert keys.
func (g *Gate) Parameters() []*nn.Parameter {
	return []*nn.Parameter{g.coarseQuery, g.groupKeys, g.fineQuery, g.expertKeys}
}

// GroupOf returns the group that owns expert e.
func (g *Gate) GroupOf(e int) int {
	return g.owner[e]
}

// Members returns the experts of group id, in ascending order.
func (g *Gate) Members(id int) []int {
	return slices.Clone(g.members[id])
}

// Affinity is the scorer's output for one batch.
type Affinity struct {
	// Coarse holds the scaled group logits, [N, G].
	Coarse *mat.Dense
	// GroupProbs is the row softmax of Coarse, [N, G].
	GroupProbs *mat.Dense
	// Groups lists the selected groups of each token, best first.
	Groups [][]int
	// Experts holds the fine scores, [N, E]. Experts outside a token's
	// selected groups score -Inf.
	Experts *mat.Dense

	coarseQ *mat.Dense // x Wc, cached for backward
	fineQ   *mat.Dense // x Wf, cached for backward
}

// Score computes the affinity of every token toward every expert.
//
// Rows are independent and are scored in parallel according to pool; each
// row is written by exactly one worker, so results do not depend on
// scheduling.
func (g *Gate) Score(tokens *mat.Dense, pool parallel.Config) (*Affinity, error) {
	n, d := tokens.Dims()
	if n == 0 || d != g.modelDim {
		return nil, &ShapeMismatchError{Operand: "tokens", Want: [2]int{-1, g.modelDim}, Got: [2]int{n, d}}
	}

	var coarseQ, fineQ mat.Dense
	coarseQ.Mul(tokens, g.coarseQuery.Tensor())
	fineQ.Mul(tokens, g.fineQuery.Tensor())

	coarse := mat.NewDense(n, g.numGroups, nil)
	coarse.Mul(&coarseQ, g.groupKeys.Tensor().T())
	coarse.Scale(g.scale, coarse)

	aff := &Affinity{
		Coarse:     coarse,
		GroupProbs: mat.NewDense(n, g.numGroups, nil),
		Groups:     make([][]int, n),
		Experts:    mat.NewDense(n, g.numExperts, nil),
		coarseQ:    &coarseQ,
		fineQ:      &fineQ,
	}

	keys := g.expertKeys.Tensor()
	negInf := math.Inf(-1)
	parallel.For(n, func(i int) {
		row := coarse.RawRowView(i)
		nn.MaskedSoftmax(aff.GroupProbs.RawRowView(i), row)

		selected := topFinite(row, g.topGroups)
		aff.Groups[i] = selected

		fine := aff.Experts.RawRowView(i)
		for e := range fine {
			fine[e] = negInf
		}
		q := fineQ.RawRowView(i)
		for _, grp := range selected {
			for _, e := range g.members[grp] {
				fine[e] = floats.Dot(q, keys.RawRowView(e)) * g.scale
			}
		}
	}, pool)

	return aff, nil
}

// topFinite returns the indices of the k largest finite values of row,
// largest first. Ties go to the lower index. Fewer than k indices are
// returned when row has fewer finite entries.
func topFinite(row []float64, k int) []int {
	picked := make([]bool, len(row))
	out := make([]int, 0, k)
	for len(out) < k {
		best := -1
		for i, v := range row {
			if picked[i] || math.IsInf(v, 0) || math.IsNaN(v) {
				continue
			}
			if best < 0 || v > row[best] {
				best = i
			}
		}
		if best < 0 {
			break
		}
		picked[best] = true
		out = append(out, best)
	}
	return out
}
