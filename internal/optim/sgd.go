package optim

import (
	"fmt"

	"github.com/born-ml/fusedattn/internal/nn"
	"github.com/born-ml/fusedattn/internal/tensor"
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
//
// Example:
//
//	optimizer := optim.NewSGD(attn.Parameters(), optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
type SGD struct {
	params     []*nn.Parameter
	lr         float64
	momentum   float64
	velocities map[*nn.Parameter][]float64
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
		velocities: make(map[*nn.Parameter][]float64),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step() {
	for _, param := range s.params {
		update(param, func(values, grad []float64) {
			if s.momentum == 0 {
				for i, g := range grad {
					values[i] -= s.lr * g
				}
				return
			}

			velocity, ok := s.velocities[param]
			if !ok {
				velocity = make([]float64, len(values))
				s.velocities[param] = velocity
			}
			for i, g := range grad {
				velocity[i] = s.momentum*velocity[i] + g
				values[i] -= s.lr * velocity[i]
			}
		})
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	zeroGrad(s.params)
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float64 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float64) {
	s.lr = lr
}

// StateDict returns the velocity buffers keyed "velocity.{param_index}".
// Without momentum it is empty.
func (s *SGD) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	if s.momentum == 0 {
		return stateDict
	}

	for i, param := range s.params {
		velocity, ok := s.velocities[param]
		if !ok {
			continue // Not stepped yet
		}
		stateDict[fmt.Sprintf("velocity.%d", i)] = tensor.MustFromSlice(velocity, param.Tensor().Shape(), tensor.Float64, tensor.CPU)
	}
	return stateDict
}

// LoadStateDict restores velocity buffers saved by StateDict.
//
// Returns an error if a velocity shape does not match its parameter.
func (s *SGD) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if s.momentum == 0 {
		return nil
	}

	velocities := make(map[*nn.Parameter][]float64)
	for i, param := range s.params {
		raw, ok := stateDict[fmt.Sprintf("velocity.%d", i)]
		if !ok {
			continue
		}
		if !raw.Shape().Equal(param.Tensor().Shape()) {
			return fmt.Errorf("velocity shape mismatch for parameter %d: expected %v, got %v",
				i, param.Tensor().Shape(), raw.Shape())
		}
		velocities[param] = tensor.ToFloat64Slice(raw)
	}
	s.velocities = velocities
	return nil
}
