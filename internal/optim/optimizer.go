// Package optim implements optimization algorithms for training the gating
// network's parameters.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Gradients are read from each Parameter's accumulated Grad, which the
// routing layer fills during Result.Backward.
//
// Example usage:
//
//	optimizer := optim.NewAdam(layer.Parameters(), optim.AdamConfig{LR: 0.01})
//
//	for step := range steps {
//	    result, err := layer.RouteAndCombine(ctx, tokens, experts)
//	    ...
//	    if _, err := result.Backward(gradOutputs); err != nil { ... }
//	    optimizer.Step()
//	    optimizer.ZeroGrad()
//	}
package optim

import (
	"github.com/hag-moe/hagmoe/internal/nn"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies the accumulated gradients to all parameters.
	// Parameters without a gradient are skipped.
	Step()

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float64
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float64 // Learning rate
}

// zeroGrads clears the gradient of every parameter.
func zeroGrads(params []*nn.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
