// Copyright 2025 HAG-MoE Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/nn"
)

// Parameter represents a trainable parameter of the gate.
type Parameter = nn.Parameter

// NewParameter creates a new parameter with the given name and values.
func NewParameter(name string, t *mat.Dense) *Parameter {
	return nn.NewParameter(name, t)
}

// Initialization

// Xavier returns a rows×cols matrix drawn from the Glorot uniform
// distribution for the given fan-in and fan-out.
//
// Example:
//
//	rng := rand.New(rand.NewSource(1))
//	keys := nn.Xavier(dk, numExperts, numExperts, dk, rng)
func Xavier(fanIn, fanOut, rows, cols int, rng *rand.Rand) *mat.Dense {
	return nn.Xavier(fanIn, fanOut, rows, cols, rng)
}

// Zeros returns a rows×cols matrix of zeros.
func Zeros(rows, cols int) *mat.Dense {
	return nn.Zeros(rows, cols)
}

// Masked softmax

// MaskedSoftmax writes the softmax of src into dst, giving -Inf entries
// probability 0.
func MaskedSoftmax(dst, src []float64) {
	nn.MaskedSoftmax(dst, src)
}

// SoftmaxBackward computes the input gradient of a softmax row from its
// output probs and the output gradient grad.
func SoftmaxBackward(dst, probs, grad []float64) {
	nn.SoftmaxBackward(dst, probs, grad)
}

// LogSumExp returns log Σ exp(x_i) over the finite entries of x.
func LogSumExp(x []float64) float64 {
	return nn.LogSumExp(x)
}
