// Package nn holds the trainable-parameter and numeric building blocks shared
// by the routing core and the optimizers.
//
// This package provides:
//   - Parameter: a named matrix with an accumulated gradient
//   - Initializers: Xavier, Zeros
//   - Masked row softmax and its backward pass
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Parameter represents a trainable parameter of the gating network.
//
// Gradients are accumulated across Backward calls until ZeroGrad is called,
// so a host can sum several passes before an optimizer step.
//
// Example:
//
//	keys := nn.NewParameter("gate.expert_keys", nn.Xavier(dk, e, e, dk, rng))
//	...
//	result.Backward(gradOut)
//	optimizer.Step()
//	optimizer.ZeroGrad()
type Parameter struct {
	name   string     // Parameter name (e.g., "gate.coarse_query")
	tensor *mat.Dense // The parameter values
	grad   *mat.Dense // Accumulated gradient, nil until the first backward pass
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, t *mat.Dense) *Parameter {
	return &Parameter{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter values.
func (p *Parameter) Tensor() *mat.Dense {
	return p.tensor
}

// Grad returns the accumulated gradient.
//
// Returns nil if no gradient has been computed yet.
func (p *Parameter) Grad() *mat.Dense {
	return p.grad
}

// SetGrad replaces the gradient.
func (p *Parameter) SetGrad(grad *mat.Dense) {
	p.grad = grad
}

// AccumulateGrad adds g to the stored gradient.
//
// Panics if g does not have the parameter's shape.
func (p *Parameter) AccumulateGrad(g *mat.Dense) {
	pr, pc := p.tensor.Dims()
	gr, gc := g.Dims()
	if pr != gr || pc != gc {
		panic(fmt.Sprintf("Parameter %s: gradient shape %dx%d, expected %dx%d", p.name, gr, gc, pr, pc))
	}
	if p.grad == nil {
		p.grad = mat.DenseCopyOf(g)
		return
	}
	p.grad.Add(p.grad, g)
}

// ZeroGrad clears the gradient.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

// NumElements returns the number of scalars held by the parameter.
func (p *Parameter) NumElements() int {
	r, c := p.tensor.Dims()
	return r * c
}
