package nn

import (
	"fmt"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// Parameter represents a trainable parameter in a neural network.
//
// Gradients accumulate across Backward calls until ZeroGrad is called. They
// are kept in the compute type of the parameter (float32 for reduced
// precision parameters) so repeated accumulation does not lose precision.
//
// Example:
//
//	weight := nn.NewParameter("attn.out_proj_weight", weightTensor)
//	w := weight.Tensor()
//	grad := weight.Grad() // nil before the first backward pass
type Parameter struct {
	name   string
	tensor *tensor.RawTensor
	grad   *tensor.RawTensor
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, t *tensor.RawTensor) *Parameter {
	return &Parameter{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.tensor
}

// SetTensor replaces the parameter tensor. Shape and dtype must not change.
func (p *Parameter) SetTensor(t *tensor.RawTensor) {
	t.Shape().MustMatch("nn: parameter "+p.name, p.tensor.Shape())
	if t.DType() != p.tensor.DType() {
		panic(fmt.Sprintf("nn: parameter %s is %s, got %s", p.name, p.tensor.DType(), t.DType()))
	}
	p.tensor = t
}

// Grad returns the accumulated gradient, or nil before the first backward pass.
func (p *Parameter) Grad() *tensor.RawTensor {
	return p.grad
}

// AccumulateGrad adds g to the parameter's gradient.
func (p *Parameter) AccumulateGrad(g *tensor.RawTensor) {
	g.Shape().MustMatch("nn: gradient of "+p.name, p.tensor.Shape())
	compute := p.tensor.DType().Compute()
	if p.grad == nil {
		p.grad = tensor.Cast(g, compute).Clone()
		return
	}
	if compute == tensor.Float64 {
		accumulate(p.grad.AsFloat64(), tensor.ToFloat64Slice(g))
	} else {
		accumulate(p.grad.AsFloat32(), tensor.ToFloat32Slice(g))
	}
}

// ZeroGrad clears the gradient tensor.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

func accumulate[F tensor.Float](dst, src []F) {
	for i, v := range src {
		dst[i] += v
	}
}
