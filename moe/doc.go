// Copyright 2025 HAG-MoE Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package moe provides a Hierarchical Attention-Gated Mixture-of-Experts
// routing layer.
//
// # Overview
//
// A layer routes each token of a batch to a small set of experts chosen in
// two stages, runs the experts on their assigned tokens, and combines the
// results:
//
//   - Coarse stage: scaled dot-product attention of the token against one
//     learned key per expert group picks the top-m groups.
//   - Fine stage: attention against one learned key per expert, restricted
//     to the experts of the selected groups, picks the top-k experts.
//   - Capacity: each expert accepts at most C = ceil(capacity_factor·N/E)
//     tokens per batch; the highest gate weights win.
//   - Dispatch: experts run concurrently on their batches.
//   - Combine: outputs are summed back per token, weighted by gate weight.
//
// An auxiliary load-balancing loss is returned with every pass so the gate
// can be trained to spread tokens evenly over experts and groups.
//
// # Basic Usage
//
//	import (
//	    "github.com/hag-moe/hagmoe/moe"
//	    "github.com/hag-moe/hagmoe/optim"
//	)
//
//	func main() {
//	    cfg := moe.DefaultConfig()
//	    layer, err := moe.New(cfg)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    experts := make([]moe.Expert, cfg.NumExperts)
//	    for e := range experts {
//	        experts[e] = moe.ExpertFunc(myExpert(e))
//	    }
//
//	    res, err := layer.RouteAndCombine(ctx, tokens, experts)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(res.Stats.DropRate, res.AuxLoss)
//	}
//
// # Drop Policies
//
// Candidates rejected by the capacity allocator are handled by
// Config.DropPolicy:
//
//	moe.DropIdentity        // fully-dropped token passes through (default)
//	moe.DropZero            // fully-dropped token becomes zero
//	moe.DropResidualScaled  // each dropped candidate adds weight·input
//
// # Training the Gate
//
//	opt := optim.NewAdam(layer.Parameters(), optim.AdamConfig{LR: 0.01})
//	for step := range steps {
//	    res, _ := layer.RouteAndCombine(ctx, tokens, experts)
//	    if _, err := res.Backward(gradOutputs); err != nil {
//	        return err
//	    }
//	    opt.Step()
//	    opt.ZeroGrad()
//	}
//
// # Errors
//
// Configuration problems are reported by New as *ConfigurationError.
// A forward pass fails as a whole with *ShapeMismatchError or
// *ExpertInvocationError; no partial output is returned. Each typed error
// matches its sentinel (ErrInvalidConfig, ErrShapeMismatch,
// ErrExpertInvocation) under errors.Is.
package moe
