// Copyright 2025 HAG-MoE Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides optimization algorithms for training the gate of a
// mixture-of-experts layer.
//
// # Overview
//
// This package contains:
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation with bias correction
//   - Optimizer interface for custom optimizers
//
// Optimizers read the gradients that Result.Backward accumulates into each
// gate parameter, so a host may sum several passes before one Step.
//
// # Training Loop Pattern
//
//	layer, _ := moe.New(cfg)
//	optimizer := optim.NewAdam(layer.Parameters(), optim.AdamConfig{LR: 0.01})
//
//	for step := range numSteps {
//	    // 1. Forward pass
//	    res, err := layer.RouteAndCombine(ctx, tokens, experts)
//	    if err != nil {
//	        return err
//	    }
//
//	    // 2. Backward pass (task gradient plus the auxiliary loss)
//	    if _, err := res.Backward(gradOutputs); err != nil {
//	        return err
//	    }
//
//	    // 3. Update parameters and clear gradients
//	    optimizer.Step()
//	    optimizer.ZeroGrad()
//	}
package optim
