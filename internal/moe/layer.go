package moe

import (
	"context"
	"io"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/nn"
	"github.com/hag-moe/hagmoe/internal/parallel"
)

// Layer is a hierarchical attention-gated mixture-of-experts layer.
//
// A Layer owns the gate parameters and its configuration; all per-pass
// state (scores, routing, ledger, dispatch plan) is created fresh by
// RouteAndCombine and handed back in the Result. A Layer may serve
// concurrent passes as long as no optimizer step runs at the same time.
//
// Example:
//
//	layer, err := moe.New(moe.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	res, err := layer.RouteAndCombine(ctx, tokens, experts)
//	if err != nil {
//	    return err
//	}
//	loss := taskLoss + res.AuxLoss
type Layer struct {
	cfg    Config
	gate   *Gate
	pool   parallel.Config
	logger *slog.Logger
}

// Option customises a Layer.
type Option func(*Layer)

// WithLogger sets the logger used for per-pass debug records and expert
// failures. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithParallel overrides the worker pool used for scoring, dispatch and
// combining. Config.Workers is ignored when this option is given.
func WithParallel(cfg parallel.Config) Option {
	return func(l *Layer) {
		l.pool = cfg
	}
}

// New validates cfg and builds a layer with freshly initialised gate
// parameters. An invalid configuration yields a *ConfigurationError.
func New(cfg Config, opts ...Option) (*Layer, error) {
	gate, err := NewGate(cfg)
	if err != nil {
		return nil, err
	}
	l := &Layer{
		cfg:    cfg,
		gate:   gate,
		pool:   parallel.DefaultConfig().WithWorkers(cfg.Workers),
		logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the layer configuration.
func (l *Layer) Config() Config {
	return l.cfg
}

// Gate returns the layer's gating network.
func (l *Layer) Gate() *Gate {
	return l.gate
}

// Parameters returns the trainable gate parameters.
func (l *Layer) Parameters() []*nn.Parameter {
	return l.gate.Parameters()
}

// SetParameters overwrites the gate parameters with values keyed by
// parameter name, as returned by a checkpoint reader. Every gate parameter
// must be present with its exact shape; nothing is changed otherwise.
func (l *Layer) SetParameters(values map[string]*mat.Dense) error {
	params := l.gate.Parameters()
	for _, p := range params {
		wr, wc := p.Tensor().Dims()
		v := values[p.Name()]
		if v == nil {
			return &ShapeMismatchError{Operand: p.Name() + " (missing)", Want: [2]int{wr, wc}}
		}
		if r, c := v.Dims(); r != wr || c != wc {
			return &ShapeMismatchError{Operand: p.Name(), Want: [2]int{wr, wc}, Got: [2]int{r, c}}
		}
	}
	for _, p := range params {
		p.Tensor().Copy(values[p.Name()])
	}
	return nil
}

// Stats summarises the routing decisions of one pass.
type Stats struct {
	Capacity     int     // Per-expert capacity C
	Accepted     []int   // Accepted candidates per expert
	Dropped      []int   // Dropped candidates per expert
	Candidates   int     // Total candidates emitted by the selector
	FullyDropped int     // Tokens left without an accepted expert
	DropRate     float64 // Σ Dropped / Candidates, 0 when there are none
}

// Result is the outcome of one forward pass.
type Result struct {
	// Outputs holds the combined per-token outputs, [N, d].
	Outputs *mat.Dense
	// AuxLoss is load_balance_weight·Balance + router_z_loss_weight·RouterZ,
	// ready to be added to the task loss.
	AuxLoss float64
	// Loss holds the unweighted auxiliary terms.
	Loss  LossBreakdown
	Stats Stats

	Affinity   *Affinity
	Allocation *Allocation
	Plan       *Plan

	tokens  *mat.Dense
	outputs []*mat.Dense // per-expert outputs, nil for idle experts
	balance *balance
	gate    *Gate
	cfg     Config
}

// Routing returns the resolved routing of the pass.
func (r *Result) Routing() *Routing {
	return r.Allocation.Routing
}

// RouteAndCombine runs one forward pass: score, select, allocate, dispatch
// to experts, and combine.
//
// tokens is [N, d] with N ≥ 1; experts must hold exactly E entries. The
// pass keeps its own copy of tokens, so the caller may reuse the batch
// buffer before calling Result.Backward. Any failure aborts the pass and no
// Result is returned:
//   - *ShapeMismatchError for malformed tokens or expert outputs
//   - *ExpertInvocationError when an expert returns an error
//   - the context's error if ctx is canceled during dispatch
func (l *Layer) RouteAndCombine(ctx context.Context, tokens *mat.Dense, experts []Expert) (*Result, error) {
	if err := checkExperts(experts, l.cfg.NumExperts); err != nil {
		return nil, err
	}

	aff, err := l.gate.Score(tokens, l.pool)
	if err != nil {
		return nil, err
	}
	tokens = mat.DenseCopyOf(tokens)
	n, _ := tokens.Dims()

	routing := Select(aff.Experts, l.cfg.TopKExperts)
	alloc := Allocate(routing, Capacity(l.cfg.CapacityFactor, n, l.cfg.NumExperts))
	plan := BuildPlan(alloc)

	outputs, err := Dispatch(ctx, tokens, plan, experts, l.pool)
	if err != nil {
		l.logger.Warn("expert dispatch failed", "tokens", n, "error", err)
		return nil, err
	}
	combined := Combine(tokens, alloc, plan, outputs, l.cfg.DropPolicy, l.pool)

	loss, bal := computeBalance(aff, alloc, l.gate.owner, l.cfg.NumGroups)
	res := &Result{
		Outputs:    combined,
		AuxLoss:    l.cfg.LoadBalanceWeight*loss.Balance + l.cfg.RouterZLossWeight*loss.RouterZ,
		Loss:       loss,
		Stats:      newStats(alloc),
		Affinity:   aff,
		Allocation: alloc,
		Plan:       plan,
		tokens:     tokens,
		outputs:    outputs,
		balance:    bal,
		gate:       l.gate,
		cfg:        l.cfg,
	}

	l.logger.Debug("routed batch",
		"tokens", n,
		"capacity", res.Stats.Capacity,
		"candidates", res.Stats.Candidates,
		"fully_dropped", res.Stats.FullyDropped,
		"drop_rate", res.Stats.DropRate,
		"aux_loss", res.AuxLoss,
	)
	return res, nil
}

func newStats(a *Allocation) Stats {
	s := Stats{
		Capacity:     a.Ledger.Capacity,
		Accepted:     slices.Clone(a.Ledger.Accepted),
		Dropped:      slices.Clone(a.Ledger.Dropped),
		Candidates:   a.Routing.NumCandidates(),
		FullyDropped: a.NumFullyDropped(),
	}
	if s.Candidates > 0 {
		dropped := 0
		for _, d := range s.Dropped {
			dropped += d
		}
		s.DropRate = float64(dropped) / float64(s.Candidates)
	}
	return s
}
