package optim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/hag-moe/hagmoe/internal/nn"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	params     []*nn.Parameter
	lr         float64
	momentum   float64
	velocities map[*nn.Parameter]*mat.Dense
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float64 // Learning rate (default: 0.01)
	Momentum float64 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(params []*nn.Parameter, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}

	return &SGD{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*nn.Parameter]*mat.Dense),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step() {
	for _, param := range s.params {
		grad := param.Grad()
		if grad == nil {
			continue
		}

		if s.momentum == 0 {
			param.Tensor().Apply(func(i, j int, v float64) float64 {
				return v - s.lr*grad.At(i, j)
			}, param.Tensor())
			continue
		}

		velocity, ok := s.velocities[param]
		if !ok {
			r, c := param.Tensor().Dims()
			velocity = mat.NewDense(r, c, nil)
			s.velocities[param] = velocity
		}
		velocity.Scale(s.momentum, velocity)
		velocity.Add(velocity, grad)
		param.Tensor().Apply(func(i, j int, v float64) float64 {
			return v - s.lr*velocity.At(i, j)
		}, param.Tensor())
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	zeroGrads(s.params)
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float64 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float64) {
	if lr <= 0 {
		panic(fmt.Sprintf("SGD: learning rate must be positive, got %v", lr))
	}
	s.lr = lr
}
