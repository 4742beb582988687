// Package optim implements optimization algorithms for the attention and
// feed-forward modules.
//
// Gradients are read from the parameters themselves: Backward calls
// accumulate into nn.Parameter, Step applies them, ZeroGrad clears them.
//
// Example usage:
//
//	optimizer := optim.NewAdam(attn.Parameters(), optim.AdamConfig{LR: 0.001})
//
//	for step := range steps {
//	    res, ctx := attn.Forward(x, mask, nn.AttentionOptions{Training: true})
//	    attn.Backward(ctx, lossGrad(res.Output), nil)
//	    optimizer.Step()
//	    optimizer.ZeroGrad()
//	}
package optim

import (
	"github.com/born-ml/fusedattn/internal/nn"
	"github.com/born-ml/fusedattn/internal/tensor"
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

// update applies fn to the parameter values and gradient in float64 and
// stores the result back in the parameter's dtype. Reduced precision
// parameters are rounded once per step.
func update(p *nn.Parameter, fn func(values, grad []float64)) bool {
	grad := p.Grad()
	if grad == nil {
		return false
	}
	old := p.Tensor()
	values := tensor.ToFloat64Slice(old)
	fn(values, tensor.ToFloat64Slice(grad))
	p.SetTensor(tensor.MustFromSlice(values, old.Shape(), old.DType(), old.Device()))
	return true
}

func zeroGrad(params []*nn.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
