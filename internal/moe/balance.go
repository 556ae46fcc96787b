package moe

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/nn"
)

// LossBreakdown reports the unweighted auxiliary terms of one pass.
type LossBreakdown struct {
	// ExpertBalance is E · Σ_e f_e · P̄_e, where f_e is expert e's share of
	// accepted candidates and P̄_e its mean fine-stage probability.
	ExpertBalance float64
	// GroupBalance is G · Σ_g f_g · P̄_g over the coarse group distribution.
	GroupBalance float64
	// Balance is ExpertBalance + GroupBalance.
	Balance float64
	// RouterZ is the mean squared log-sum-exp of the fine scores.
	RouterZ float64
}

// balance holds the per-pass statistics the auxiliary loss and its
// gradient are built from. The routing fractions are treated as constants:
// no gradient flows through the discrete selection or capacity decisions.
type balance struct {
	expertProbs *mat.Dense // [N, E] softmax of finite fine scores
	groupProbs  *mat.Dense // [N, G]
	lse         []float64  // per-token log-sum-exp of fine scores
	fExpert     []float64  // accepted share per expert
	fGroup      []float64  // accepted share per group
}

// computeBalance evaluates the auxiliary terms for one pass.
//
// Both balance terms equal 1 when routing and probability mass are spread
// uniformly, and grow toward E (or G) as mass concentrates on one expert
// (or group).
func computeBalance(aff *Affinity, alloc *Allocation, owner []int, numGroups int) (LossBreakdown, *balance) {
	n, numExperts := aff.Experts.Dims()

	b := &balance{
		expertProbs: mat.NewDense(n, numExperts, nil),
		groupProbs:  aff.GroupProbs,
		lse:         make([]float64, n),
		fExpert:     make([]float64, numExperts),
		fGroup:      make([]float64, numGroups),
	}

	total := alloc.Routing.NumCandidates()
	if total > 0 {
		for e, accepted := range alloc.Ledger.Accepted {
			f := float64(accepted) / float64(total)
			b.fExpert[e] = f
			b.fGroup[owner[e]] += f
		}
	}

	meanExpert := make([]float64, numExperts)
	meanGroup := make([]float64, numGroups)
	var z float64
	for i := 0; i < n; i++ {
		row := aff.Experts.RawRowView(i)
		probs := b.expertProbs.RawRowView(i)
		nn.MaskedSoftmax(probs, row)
		floats.Add(meanExpert, probs)
		floats.Add(meanGroup, aff.GroupProbs.RawRowView(i))

		lse := nn.LogSumExp(row)
		if math.IsInf(lse, -1) {
			lse = 0
		}
		b.lse[i] = lse
		z += lse * lse
	}
	inv := 1 / float64(n)
	floats.Scale(inv, meanExpert)
	floats.Scale(inv, meanGroup)

	var loss LossBreakdown
	loss.ExpertBalance = float64(numExperts) * floats.Dot(b.fExpert, meanExpert)
	loss.GroupBalance = float64(numGroups) * floats.Dot(b.fGroup, meanGroup)
	loss.Balance = loss.ExpertBalance + loss.GroupBalance
	loss.RouterZ = z * inv
	return loss, b
}

// scoreGrads returns the gradient of
//
//	balanceWeight · Balance + zWeight · RouterZ
//
// with respect to the fine scores [N, E] and the coarse logits [N, G].
// Entries for excluded (-Inf) experts are zero.
func (b *balance) scoreGrads(balanceWeight, zWeight float64) (dFine, dCoarse *mat.Dense) {
	n, numExperts := b.expertProbs.Dims()
	_, numGroups := b.groupProbs.Dims()
	inv := 1 / float64(n)

	// ∂Balance/∂P[n,e] = E · f_e / N, likewise for groups.
	gExpert := make([]float64, numExperts)
	floats.ScaleTo(gExpert, balanceWeight*float64(numExperts)*inv, b.fExpert)
	gGroup := make([]float64, numGroups)
	floats.ScaleTo(gGroup, balanceWeight*float64(numGroups)*inv, b.fGroup)

	dFine = mat.NewDense(n, numExperts, nil)
	dCoarse = mat.NewDense(n, numGroups, nil)
	for i := 0; i < n; i++ {
		probs := b.expertProbs.RawRowView(i)
		fineRow := dFine.RawRowView(i)
		nn.SoftmaxBackward(fineRow, probs, gExpert)
		if zWeight != 0 {
			// ∂(lse²)/∂s = 2 · lse · softmax(s)
			floats.AddScaled(fineRow, zWeight*2*b.lse[i]*inv, probs)
		}
		nn.SoftmaxBackward(dCoarse.RawRowView(i), b.groupProbs.RawRowView(i), gGroup)
	}
	return dFine, dCoarse
}
