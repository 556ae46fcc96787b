// Copyright 2025 HAG-MoE Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package moe

import (
	"log/slog"

	"github.com/hag-moe/hagmoe/internal/moe"
	"github.com/hag-moe/hagmoe/internal/nn"
	"github.com/hag-moe/hagmoe/internal/parallel"
	"github.com/hag-moe/hagmoe/internal/serialization"
)

// Layer is a hierarchical attention-gated mixture-of-experts layer.
type Layer = moe.Layer

// Result is the outcome of one forward pass.
type Result = moe.Result

// Stats summarises the routing decisions of one pass.
type Stats = moe.Stats

// LossBreakdown reports the unweighted auxiliary loss terms.
type LossBreakdown = moe.LossBreakdown

// Option customises a Layer.
type Option = moe.Option

// New validates cfg and builds a layer with freshly initialised gate
// parameters.
//
// Example:
//
//	cfg := moe.DefaultConfig()
//	cfg.NumExperts = 16
//	cfg.NumGroups = 4
//	layer, err := moe.New(cfg, moe.WithLogger(slog.Default()))
func New(cfg Config, opts ...Option) (*Layer, error) {
	return moe.New(cfg, opts...)
}

// WithLogger sets the logger for per-pass debug records and expert failures.
func WithLogger(logger *slog.Logger) Option {
	return moe.WithLogger(logger)
}

// WithWorkers limits scoring, dispatch and combining to n goroutines.
// n == 1 runs everything on the calling goroutine.
func WithWorkers(n int) Option {
	return moe.WithParallel(parallel.DefaultConfig().WithWorkers(n))
}

// Configuration

// Config describes one layer.
type Config = moe.Config

// DropPolicy selects the output of tokens whose candidates were dropped.
type DropPolicy = moe.DropPolicy

// Supported drop policies.
const (
	DropIdentity       = moe.DropIdentity
	DropZero           = moe.DropZero
	DropResidualScaled = moe.DropResidualScaled
)

// DefaultConfig returns a small valid configuration.
func DefaultConfig() Config {
	return moe.DefaultConfig()
}

// LoadConfig reads and validates a YAML layer configuration.
//
// Example:
//
//	cfg, err := moe.LoadConfig("configs/default.yaml")
func LoadConfig(path string) (Config, error) {
	return moe.LoadConfig(path)
}

// Checkpoints

// CheckpointMeta records the training state a checkpoint was written at.
type CheckpointMeta = serialization.CheckpointMeta

// Save writes the layer configuration and gate parameters to path in the
// .hagm format. meta may be nil.
//
// Example:
//
//	err := moe.Save("gate.hagm", layer, &moe.CheckpointMeta{Step: 200, Optimizer: "Adam"})
func Save(path string, layer *Layer, meta *CheckpointMeta) error {
	header := serialization.Header{
		Layer:          layer.Config(),
		CheckpointMeta: meta,
	}
	return serialization.WriteFile(path, header, layer.Parameters())
}

// Load rebuilds a layer from a checkpoint written by Save.
func Load(path string, opts ...Option) (*Layer, error) {
	ckpt, err := serialization.ReadFile(path, serialization.ReaderOptions{})
	if err != nil {
		return nil, err
	}
	layer, err := moe.New(ckpt.Header.Layer, opts...)
	if err != nil {
		return nil, err
	}
	if err := layer.SetParameters(ckpt.Tensors); err != nil {
		return nil, err
	}
	return layer, nil
}

// Experts

// Expert is one externally supplied expert network.
type Expert = moe.Expert

// ExpertFunc adapts a function to the Expert interface.
type ExpertFunc = moe.ExpertFunc

// Routing state

// Gate holds the trainable scorer parameters.
type Gate = moe.Gate

// Affinity is the scorer output for one batch.
type Affinity = moe.Affinity

// Routing is the per-token list of candidate assignments.
type Routing = moe.Routing

// Choice is one candidate assignment.
type Choice = moe.Choice

// Status is the capacity decision of a Choice.
type Status = moe.Status

// Candidate statuses.
const (
	StatusPending  = moe.StatusPending
	StatusAccepted = moe.StatusAccepted
	StatusDropped  = moe.StatusDropped
)

// Allocation is the capacity allocator's result.
type Allocation = moe.Allocation

// Ledger counts accepted and dropped candidates per expert.
type Ledger = moe.Ledger

// Plan groups accepted candidates by destination expert.
type Plan = moe.Plan

// Pair identifies one (token, expert) candidate.
type Pair = moe.Pair

// Parameter is a trainable gate matrix with its accumulated gradient.
type Parameter = nn.Parameter

// Capacity returns ceil(factor·n/numExperts).
func Capacity(factor float64, n, numExperts int) int {
	return moe.Capacity(factor, n, numExperts)
}

// Errors

// Sentinel errors matched by errors.Is.
var (
	ErrInvalidConfig    = moe.ErrInvalidConfig
	ErrShapeMismatch    = moe.ErrShapeMismatch
	ErrExpertInvocation = moe.ErrExpertInvocation
)

// ConfigurationError reports an invalid layer option.
type ConfigurationError = moe.ConfigurationError

// ShapeMismatchError reports a matrix with the wrong dimensions.
type ShapeMismatchError = moe.ShapeMismatchError

// ExpertInvocationError wraps a failure returned by an expert.
type ExpertInvocationError = moe.ExpertInvocationError
