package moe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/parallel"
)

func TestRouteAndCombine_CapacitySaturation(t *testing.T) {
	cfg := testConfig()
	layer, err := New(cfg)
	require.NoError(t, err)

	tokens := identicalTokens(8, cfg.ModelDim)
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 40)
	res, err := layer.RouteAndCombine(context.Background(), tokens, experts)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Capacity)
	assert.Equal(t, 8, res.Stats.Candidates)
	assert.Equal(t, 6, res.Stats.FullyDropped)
	assert.InDelta(t, 0.75, res.Stats.DropRate, 1e-12)

	chosen := res.Routing().Tokens[0][0].Expert
	for e := 0; e < cfg.NumExperts; e++ {
		if e == chosen {
			assert.Equal(t, 2, res.Stats.Accepted[e])
			assert.Equal(t, 6, res.Stats.Dropped[e])
		} else {
			assert.Zero(t, res.Stats.Accepted[e])
			assert.Zero(t, res.Stats.Dropped[e])
		}
	}

	// Equal weights, so the lowest token indices win.
	assert.Equal(t, []int{0, 1}, res.Plan.Tokens[chosen])

	y, err := experts[chosen].Forward(context.Background(), tokens.Slice(0, 1, 0, cfg.ModelDim).(*mat.Dense))
	require.NoError(t, err)
	for tok := 0; tok < 8; tok++ {
		want := tokens.RawRowView(tok)
		if tok < 2 {
			want = y.RawRowView(0)
		}
		assert.InDeltaSlice(t, want, res.Outputs.RawRowView(tok), 1e-12, "token %d", tok)
	}
}

func TestRouteAndCombine_SingleExpertIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.CapacityFactor = float64(cfg.NumExperts)
	layer, err := New(cfg)
	require.NoError(t, err)

	tokens := randomMatrix(20, cfg.ModelDim, 12)
	res, err := layer.RouteAndCombine(context.Background(), tokens, constantExperts(cfg.NumExperts, cfg.ModelDim))
	require.NoError(t, err)
	require.Zero(t, res.Stats.FullyDropped)

	for tok, choices := range res.Routing().Tokens {
		require.Len(t, choices, 1)
		assert.Equal(t, 1.0, choices[0].Weight)
		want := float64(choices[0].Expert + 1)
		for _, v := range res.Outputs.RawRowView(tok) {
			assert.Equal(t, want, v, "token %d", tok)
		}
	}
}

func TestRouteAndCombine_HugeCapacityFactorDropsNothing(t *testing.T) {
	cfg := testConfig()
	cfg.CapacityFactor = 1e300
	layer, err := New(cfg)
	require.NoError(t, err)

	tokens := identicalTokens(8, cfg.ModelDim)
	res, err := layer.RouteAndCombine(context.Background(), tokens, constantExperts(cfg.NumExperts, cfg.ModelDim))
	require.NoError(t, err)

	assert.Equal(t, 8, res.Stats.Capacity)
	assert.Zero(t, res.Stats.FullyDropped)
	assert.Zero(t, res.Stats.DropRate)
	for e := range res.Stats.Dropped {
		assert.Zero(t, res.Stats.Dropped[e], "expert %d", e)
	}
}

func TestRouteAndCombine_Deterministic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CapacityFactor = 0.75
	cfg.RouterZLossWeight = 0.001
	tokens := randomMatrix(128, cfg.ModelDim, 77)
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 5)

	run := func(pool parallel.Config) *Result {
		layer, err := New(cfg, WithParallel(pool))
		require.NoError(t, err)
		res, err := layer.RouteAndCombine(context.Background(), tokens, experts)
		require.NoError(t, err)
		return res
	}

	a := run(parallel.Config{Enabled: true, NumWorkers: 8, MinChunkSize: 4})
	b := run(parallel.Config{})

	if diff := cmp.Diff(a.Stats, b.Stats); diff != "" {
		t.Errorf("stats differ (-parallel +sequential):\n%s", diff)
	}
	if diff := cmp.Diff(a.Routing(), b.Routing()); diff != "" {
		t.Errorf("routing differs (-parallel +sequential):\n%s", diff)
	}
	assert.True(t, mat.Equal(a.Outputs, b.Outputs))
	assert.Equal(t, a.AuxLoss, b.AuxLoss)
}

func TestRouteAndCombine_AuxLossWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadBalanceWeight = 0
	layer, err := New(cfg)
	require.NoError(t, err)

	tokens := randomMatrix(16, cfg.ModelDim, 2)
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 3)
	res, err := layer.RouteAndCombine(context.Background(), tokens, experts)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.AuxLoss)
	assert.Greater(t, res.Loss.Balance, 0.0)

	cfg.LoadBalanceWeight = 0.5
	cfg.RouterZLossWeight = 0.25
	layer, err = New(cfg)
	require.NoError(t, err)
	res, err = layer.RouteAndCombine(context.Background(), tokens, experts)
	require.NoError(t, err)
	assert.InDelta(t, 0.5*res.Loss.Balance+0.25*res.Loss.RouterZ, res.AuxLoss, 1e-15)
	assert.InDelta(t, res.Loss.ExpertBalance+res.Loss.GroupBalance, res.Loss.Balance, 1e-15)
}

func TestRouteAndCombine_ExpertFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := testConfig()
	cfg.TopKGroups = 2
	cfg.TopKExperts = 4
	layer, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)

	errDown := errors.New("expert offline")
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 0)
	experts[3] = ExpertFunc(func(context.Context, *mat.Dense) (*mat.Dense, error) {
		return nil, errDown
	})

	res, err := layer.RouteAndCombine(context.Background(), randomMatrix(4, cfg.ModelDim, 1), experts)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errDown)

	var ierr *ExpertInvocationError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, 3, ierr.Expert)
	assert.Contains(t, buf.String(), "expert dispatch failed")
}

func TestRouteAndCombine_BadInputs(t *testing.T) {
	cfg := testConfig()
	layer, err := New(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	tokens := randomMatrix(3, cfg.ModelDim, 1)

	var serr *ShapeMismatchError
	_, err = layer.RouteAndCombine(ctx, tokens, linearExperts(3, cfg.ModelDim, 0))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "experts", serr.Operand)
	assert.Equal(t, [2]int{cfg.NumExperts, -1}, serr.Want)
	assert.Equal(t, [2]int{3, -1}, serr.Got)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 0)
	experts[1] = nil
	_, err = layer.RouteAndCombine(ctx, tokens, experts)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "experts", serr.Operand)
	assert.Equal(t, [2]int{cfg.NumExperts - 1, -1}, serr.Got)

	_, err = layer.RouteAndCombine(ctx, randomMatrix(3, cfg.ModelDim+1, 1), linearExperts(cfg.NumExperts, cfg.ModelDim, 0))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "tokens", serr.Operand)
}

func TestLayer_SetParameters(t *testing.T) {
	cfg := testConfig()
	layer, err := New(cfg)
	require.NoError(t, err)

	values := make(map[string]*mat.Dense)
	for _, p := range layer.Parameters() {
		r, c := p.Tensor().Dims()
		v := mat.NewDense(r, c, nil)
		v.Apply(func(i, j int, _ float64) float64 { return float64(i*c + j) }, v)
		values[p.Name()] = v
	}
	require.NoError(t, layer.SetParameters(values))
	for _, p := range layer.Parameters() {
		assert.True(t, mat.Equal(values[p.Name()], p.Tensor()), p.Name())
	}

	before := mat.DenseCopyOf(layer.Parameters()[0].Tensor())
	first := layer.Parameters()[0].Name()
	last := layer.Parameters()[3].Name()

	partial := map[string]*mat.Dense{first: mat.NewDense(1, 1, nil)}
	for k, v := range values {
		if k != first {
			partial[k] = v
		}
	}
	var serr *ShapeMismatchError
	require.ErrorAs(t, layer.SetParameters(partial), &serr)
	assert.Equal(t, first, serr.Operand)
	assert.Equal(t, [2]int{1, 1}, serr.Got)

	delete(values, last)
	values[first] = mat.NewDense(before.RawMatrix().Rows, before.RawMatrix().Cols, nil)
	err = layer.SetParameters(values)
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, last+" (missing)", serr.Operand)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.True(t, mat.Equal(before, layer.Parameters()[0].Tensor()), "parameters changed on failure")
}

func TestRouteAndCombine_DebugLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := testConfig()
	layer, err := New(cfg, WithLogger(logger))
	require.NoError(t, err)
	_, err = layer.RouteAndCombine(context.Background(), identicalTokens(8, cfg.ModelDim),
		linearExperts(cfg.NumExperts, cfg.ModelDim, 0))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"routed batch"`)
	assert.Contains(t, out, `"capacity":2`)
	assert.Contains(t, out, `"drop_rate":0.75`)
}

func TestLayer_Accessors(t *testing.T) {
	cfg := testConfig()
	layer, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, cfg, layer.Config())
	assert.Len(t, layer.Parameters(), 4)
	assert.Same(t, layer.Gate().Parameters()[0], layer.Parameters()[0])
}

// BenchmarkRouteAndCombine benchmarks a full forward pass at the default
// configuration.
func BenchmarkRouteAndCombine(b *testing.B) {
	cfg := DefaultConfig()
	layer, err := New(cfg)
	require.NoError(b, err)
	tokens := randomMatrix(1024, cfg.ModelDim, 1)
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 2)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := layer.RouteAndCombine(ctx, tokens, experts); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRouteAndCombine_Backward benchmarks a forward and backward pass.
func BenchmarkRouteAndCombine_Backward(b *testing.B) {
	cfg := DefaultConfig()
	cfg.DropPolicy = DropResidualScaled
	layer, err := New(cfg)
	require.NoError(b, err)
	tokens := randomMatrix(1024, cfg.ModelDim, 1)
	grad := randomMatrix(1024, cfg.ModelDim, 3)
	experts := linearExperts(cfg.NumExperts, cfg.ModelDim, 2)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := layer.RouteAndCombine(ctx, tokens, experts)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := res.Backward(grad); err != nil {
			b.Fatal(err)
		}
	}
}
