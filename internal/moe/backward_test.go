package moe

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/optim"
)

// objective returns AuxLoss + Σ gradOut ⊙ Outputs for one forward pass.
func objective(t *testing.T, layer *Layer, tokens, gradOut *mat.Dense, experts []Expert) float64 {
	t.Helper()
	res, err := layer.RouteAndCombine(context.Background(), tokens, experts)
	require.NoError(t, err)
	return res.AuxLoss + mat.Sum(elementwise(gradOut, res.Outputs))
}

func elementwise(a, b *mat.Dense) *mat.Dense {
	var m mat.Dense
	m.MulElem(a, b)
	return &m
}

func TestBackward_ParameterGradients(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"all groups no drops", func(c *Config) {
			c.TopKGroups = 2
			c.CapacityFactor = 4
		}},
		{"residual drops", func(c *Config) {
			c.DropPolicy = DropResidualScaled
			c.CapacityFactor = 0.5
		}},
		{"zero fallback drops", func(c *Config) {
			c.DropPolicy = DropZero
			c.CapacityFactor = 0.75
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.ModelDim = 4
			cfg.KeyDim = 3
			cfg.TopKExperts = 2
			cfg.LoadBalanceWeight = 0.5
			cfg.RouterZLossWeight = 0.1
			tt.mutate(&cfg)

			layer, err := New(cfg)
			require.NoError(t, err)
			tokens := randomMatrix(8, cfg.ModelDim, 50)
			gradOut := randomMatrix(8, cfg.ModelDim, 51)
			experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 52)

			res, err := layer.RouteAndCombine(context.Background(), tokens, experts)
			require.NoError(t, err)
			_, err = res.Backward(gradOut)
			require.NoError(t, err)

			const h = 1e-6
			for _, p := range layer.Parameters() {
				require.NotNil(t, p.Grad(), p.Name())
				w := p.Tensor()
				rows, cols := w.Dims()
				for i := 0; i < rows; i++ {
					for j := 0; j < cols; j++ {
						orig := w.At(i, j)
						w.Set(i, j, orig+h)
						up := objective(t, layer, tokens, gradOut, experts)
						w.Set(i, j, orig-h)
						down := objective(t, layer, tokens, gradOut, experts)
						w.Set(i, j, orig)

						want := (up - down) / (2 * h)
						tol := 1e-6 * math.Max(1, math.Abs(want))
						assert.InDelta(t, want, p.Grad().At(i, j), tol, "%s[%d,%d]", p.Name(), i, j)
					}
				}
			}
		})
	}
}

func TestBackward_TokenGradientThroughGate(t *testing.T) {
	cfg := testConfig()
	cfg.ModelDim = 4
	cfg.TopKGroups = 2
	cfg.TopKExperts = 2
	cfg.CapacityFactor = 4
	cfg.LoadBalanceWeight = 0.3
	cfg.RouterZLossWeight = 0.2
	layer, err := New(cfg)
	require.NoError(t, err)

	// Constant experts make the gate the only path from tokens to the loss.
	experts := constantExperts(cfg.NumExperts, cfg.ModelDim)
	tokens := randomMatrix(6, cfg.ModelDim, 60)
	gradOut := randomMatrix(6, cfg.ModelDim, 61)

	res, err := layer.RouteAndCombine(context.Background(), tokens, experts)
	require.NoError(t, err)
	dX, err := res.Backward(gradOut)
	require.NoError(t, err)

	const h = 1e-6
	rows, cols := tokens.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			orig := tokens.At(i, j)
			tokens.Set(i, j, orig+h)
			up := objective(t, layer, tokens, gradOut, experts)
			tokens.Set(i, j, orig-h)
			down := objective(t, layer, tokens, gradOut, experts)
			tokens.Set(i, j, orig)

			want := (up - down) / (2 * h)
			assert.InDelta(t, want, dX.At(i, j), 1e-6*math.Max(1, math.Abs(want)), "dX[%d,%d]", i, j)
		}
	}
}

func TestBackward_UnaffectedByReusedTokenBuffer(t *testing.T) {
	cfg := testConfig()
	cfg.DropPolicy = DropResidualScaled
	cfg.CapacityFactor = 0.5
	cfg.RouterZLossWeight = 0.1
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 8)
	tokens := randomMatrix(8, cfg.ModelDim, 80)
	gradOut := randomMatrix(8, cfg.ModelDim, 81)

	run := func(mutate bool) (*mat.Dense, []*mat.Dense) {
		layer, err := New(cfg)
		require.NoError(t, err)
		batch := mat.DenseCopyOf(tokens)
		res, err := layer.RouteAndCombine(context.Background(), batch, experts)
		require.NoError(t, err)
		if mutate {
			batch.Scale(-3, batch)
		}
		dX, err := res.Backward(gradOut)
		require.NoError(t, err)
		var grads []*mat.Dense
		for _, p := range layer.Parameters() {
			grads = append(grads, p.Grad())
		}
		return dX, grads
	}

	wantX, wantGrads := run(false)
	gotX, gotGrads := run(true)
	assert.True(t, mat.Equal(wantX, gotX))
	for i := range wantGrads {
		assert.True(t, mat.Equal(wantGrads[i], gotGrads[i]), "parameter %d", i)
	}
}

func TestBackward_Accumulates(t *testing.T) {
	cfg := testConfig()
	cfg.RouterZLossWeight = 0.1
	layer, err := New(cfg)
	require.NoError(t, err)

	res, err := layer.RouteAndCombine(context.Background(), randomMatrix(8, cfg.ModelDim, 1),
		linearExperts(cfg.NumExperts, cfg.ModelDim, 2))
	require.NoError(t, err)

	_, err = res.Backward(nil)
	require.NoError(t, err)
	once := mat.DenseCopyOf(layer.Parameters()[3].Grad())

	_, err = res.Backward(nil)
	require.NoError(t, err)
	var twice mat.Dense
	twice.Scale(2, once)
	assert.True(t, mat.EqualApprox(&twice, layer.Parameters()[3].Grad(), 1e-12))
}

func TestBackward_ShapeMismatch(t *testing.T) {
	cfg := testConfig()
	layer, err := New(cfg)
	require.NoError(t, err)
	res, err := layer.RouteAndCombine(context.Background(), randomMatrix(3, cfg.ModelDim, 1),
		linearExperts(cfg.NumExperts, cfg.ModelDim, 2))
	require.NoError(t, err)

	_, err = res.Backward(mat.NewDense(2, cfg.ModelDim, nil))
	var serr *ShapeMismatchError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, [2]int{3, cfg.ModelDim}, serr.Want)
	for _, p := range layer.Parameters() {
		assert.Nil(t, p.Grad(), p.Name())
	}
}

func TestTraining_RouterZLossDecreases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TopKGroups = cfg.NumGroups
	cfg.LoadBalanceWeight = 0
	cfg.RouterZLossWeight = 1
	layer, err := New(cfg)
	require.NoError(t, err)

	tokens := randomMatrix(32, cfg.ModelDim, 90)
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 91)
	opt := optim.NewAdam(layer.Parameters(), optim.AdamConfig{LR: 0.01})

	var first, last float64
	for step := 0; step < 60; step++ {
		res, err := layer.RouteAndCombine(context.Background(), tokens, experts)
		require.NoError(t, err)
		if step == 0 {
			first = res.AuxLoss
		}
		last = res.AuxLoss

		_, err = res.Backward(nil)
		require.NoError(t, err)
		opt.Step()
		opt.ZeroGrad()
	}
	assert.Less(t, last, first)
}
