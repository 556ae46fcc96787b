package moe

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/nn"
)

// Backward propagates gradients through the gate and accumulates them into
// the gate parameters.
//
// gradOutputs is ∂L/∂Outputs, [N, d]; it may be nil to train on the
// auxiliary loss alone. The auxiliary loss always contributes with the
// weights from the layer configuration.
//
// The top-k selection and capacity decisions are a non-differentiable
// boundary. Gradient reaches the scores only through the retained gate
// weights:
//
//	∂L/∂w_{t,s} = ⟨∂L/∂out_t, y_e(x_t)⟩   accepted candidate
//	∂L/∂w_{t,s} = ⟨∂L/∂out_t, x_t⟩        dropped, residual-scaled policy
//	∂L/∂w_{t,s} = 0                        dropped otherwise
//
// followed by the softmax Jacobian over the token's selected scores and the
// scaled dot-product attention of both stages.
//
// Returns the gradient with respect to the tokens through the gate path
// only; gradients through the experts themselves belong to the host.
func (r *Result) Backward(gradOutputs *mat.Dense) (*mat.Dense, error) {
	n, d := r.tokens.Dims()
	if gradOutputs != nil {
		if gr, gc := gradOutputs.Dims(); gr != n || gc != d {
			return nil, &ShapeMismatchError{Operand: "output gradient", Want: [2]int{n, d}, Got: [2]int{gr, gc}}
		}
	}

	dFine, dCoarse := r.balance.scoreGrads(r.cfg.LoadBalanceWeight, r.cfg.RouterZLossWeight)
	if gradOutputs != nil {
		r.addGateWeightGrads(dFine, gradOutputs)
	}
	return r.gate.backward(r.tokens, r.Affinity, dFine, dCoarse), nil
}

// addGateWeightGrads adds the task-loss gradient with respect to the fine
// scores of each token's selected experts into dFine.
func (r *Result) addGateWeightGrads(dFine, gradOutputs *mat.Dense) {
	routing := r.Allocation.Routing
	for t, choices := range routing.Tokens {
		if len(choices) == 0 {
			continue
		}
		g := gradOutputs.RawRowView(t)
		x := r.tokens.RawRowView(t)

		weights := make([]float64, len(choices))
		dw := make([]float64, len(choices))
		for s, c := range choices {
			weights[s] = c.Weight
			if row := r.Plan.Rows[t][s]; row >= 0 {
				dw[s] = floats.Dot(g, r.outputs[c.Expert].RawRowView(row))
			} else if r.cfg.DropPolicy == DropResidualScaled {
				dw[s] = floats.Dot(g, x)
			}
		}

		ds := make([]float64, len(choices))
		nn.SoftmaxBackward(ds, weights, dw)
		fine := dFine.RawRowView(t)
		for s, c := range choices {
			fine[c.Expert] += ds[s]
		}
	}
}

// backward pushes score gradients through both attention stages,
// accumulates parameter gradients, and returns ∂L/∂tokens.
//
//	Q = X W,  S = scale · Q Kᵀ
//	∂Q = scale · ∂S K,  ∂K = scale · ∂Sᵀ Q,  ∂W = Xᵀ ∂Q,  ∂X = ∂Q Wᵀ
func (g *Gate) backward(tokens *mat.Dense, aff *Affinity, dFine, dCoarse *mat.Dense) *mat.Dense {
	var dQf, dKe, dWf mat.Dense
	dQf.Mul(dFine, g.expertKeys.Tensor())
	dQf.Scale(g.scale, &dQf)
	dKe.Mul(dFine.T(), aff.fineQ)
	dKe.Scale(g.scale, &dKe)
	dWf.Mul(tokens.T(), &dQf)

	var dQc, dKg, dWc mat.Dense
	dQc.Mul(dCoarse, g.groupKeys.Tensor())
	dQc.Scale(g.scale, &dQc)
	dKg.Mul(dCoarse.T(), aff.coarseQ)
	dKg.Scale(g.scale, &dKg)
	dWc.Mul(tokens.T(), &dQc)

	g.coarseQuery.AccumulateGrad(&dWc)
	g.groupKeys.AccumulateGrad(&dKg)
	g.fineQuery.AccumulateGrad(&dWf)
	g.expertKeys.AccumulateGrad(&dKe)

	var dX, viaCoarse mat.Dense
	dX.Mul(&dQf, g.fineQuery.Tensor().T())
	viaCoarse.Mul(&dQc, g.coarseQuery.Tensor().T())
	dX.Add(&dX, &viaCoarse)
	return &dX
}
