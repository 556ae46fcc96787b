package main

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/moe"
)

// syntheticTokens draws an n×d batch of N(0, 1) tokens.
func syntheticTokens(n, d int, rng *rand.Rand) *mat.Dense {
	data := make([]float64, n*d)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(n, d, data)
}

// linearExperts builds numExperts experts y = x·A_e with A_e scaled so
// outputs keep roughly unit variance.
func linearExperts(numExperts, d int, rng *rand.Rand) []moe.Expert {
	experts := make([]moe.Expert, numExperts)
	for e := range experts {
		a := syntheticTokens(d, d, rng)
		a.Scale(1/float64(d), a)
		experts[e] = moe.ExpertFunc(func(ctx context.Context, batch *mat.Dense) (*mat.Dense, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var out mat.Dense
			out.Mul(batch, a)
			return &out, nil
		})
	}
	return experts
}

// oracleTargets routes every token to the expert whose hidden key has the
// largest dot product with it and returns that expert's output. It is the
// function the gate learns to imitate in the train command.
func oracleTargets(ctx context.Context, tokens, keys *mat.Dense, experts []moe.Expert) (*mat.Dense, error) {
	n, d := tokens.Dims()
	var logits mat.Dense
	logits.Mul(tokens, keys.T())

	targets := mat.NewDense(n, d, nil)
	for t := 0; t < n; t++ {
		row := logits.RawRowView(t)
		best := 0
		for e, v := range row {
			if v > row[best] {
				best = e
			}
		}
		x := tokens.Slice(t, t+1, 0, d).(*mat.Dense)
		y, err := experts[best].Forward(ctx, mat.DenseCopyOf(x))
		if err != nil {
			return nil, err
		}
		targets.SetRow(t, y.RawRowView(0))
	}
	return targets, nil
}
