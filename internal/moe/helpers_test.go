package moe

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// randomMatrix returns a rows×cols matrix of N(0, 1) values from seed.
func randomMatrix(rows, cols int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(rows, cols, data)
}

// identicalTokens returns n copies of the same d-wide row.
func identicalTokens(n, d int) *mat.Dense {
	row := randomMatrix(1, d, 99).RawRowView(0)
	m := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		m.SetRow(i, row)
	}
	return m
}

// linearExperts returns experts computing y = x · A_e with fixed random A_e.
func linearExperts(numExperts, d int, seed int64) []Expert {
	experts := make([]Expert, numExperts)
	for e := range experts {
		a := randomMatrix(d, d, seed+int64(e))
		experts[e] = ExpertFunc(func(_ context.Context, batch *mat.Dense) (*mat.Dense, error) {
			var out mat.Dense
			out.Mul(batch, a)
			return &out, nil
		})
	}
	return experts
}

// constantExperts returns experts whose every output row is filled with
// the expert id plus one.
func constantExperts(numExperts, d int) []Expert {
	experts := make([]Expert, numExperts)
	for e := range experts {
		v := float64(e + 1)
		experts[e] = ExpertFunc(func(_ context.Context, batch *mat.Dense) (*mat.Dense, error) {
			r, _ := batch.Dims()
			out := mat.NewDense(r, d, nil)
			for i := 0; i < r; i++ {
				for j := 0; j < d; j++ {
					out.Set(i, j, v)
				}
			}
			return out, nil
		})
	}
	return experts
}

// testConfig is a small layer: four experts in two groups, one group and
// one expert per token.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumExperts = 4
	cfg.NumGroups = 2
	cfg.TopKGroups = 1
	cfg.TopKExperts = 1
	cfg.CapacityFactor = 1.0
	cfg.ModelDim = 6
	cfg.Seed = 3
	return cfg
}
