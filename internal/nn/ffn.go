package nn

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// ErrUnsupportedActivation is returned for activation settings FeedForward
// cannot run.
var ErrUnsupportedActivation = errors.New("unsupported activation")

// FeedForwardConfig configures a FeedForward module.
type FeedForwardConfig struct {
	ModelDim   int
	InnerDim   int
	Dropout    float64
	Activation string // relu, gelu, silu (swish) or sigmoid
	GLU        bool   // gated linear unit; required for sigmoid
	DType      tensor.DataType
	Init       InitScheme
}

// FeedForward is a position-wise two-layer network.
//
// Without GLU:
//
//	out = dropout(act(x·W1ᵀ + b1))·W2ᵀ + b2
//
// With GLU the first projection is twice as wide and split into value and
// gate halves: act(value)·gate, or value·sigmoid(gate) for the sigmoid
// activation.
type FeedForward struct {
	InputWeight  *Parameter // [inner (x2 with GLU), model]
	InputBias    *Parameter
	OutputWeight *Parameter // [model, inner]
	OutputBias   *Parameter

	config  FeedForwardConfig
	act     cpu.Activation
	backend *cpu.CPUBackend
}

// FFNContext is saved by FeedForward.Forward for Backward.
type FFNContext struct {
	input  *tensor.RawTensor // [rows, model], compute type
	pre    *tensor.RawTensor // [rows, width] first projection
	hidden *tensor.RawTensor // [rows, inner] after activation and dropout
	keep   []bool            // nil when dropout was inactive
	shape  tensor.Shape
	spent  bool

	// Weights as seen by the forward pass, in the compute type.
	inputWeight  *tensor.RawTensor
	outputWeight *tensor.RawTensor
}

// NewFeedForward creates a feed-forward module.
//
// Returns ErrUnsupportedActivation for unknown activations and for sigmoid
// without GLU.
func NewFeedForward(cfg FeedForwardConfig, backend *cpu.CPUBackend, rng *rand.Rand) (*FeedForward, error) {
	act, ok := cpu.ParseActivation(cfg.Activation)
	if !ok {
		return nil, fmt.Errorf("feed-forward %q: %w", cfg.Activation, ErrUnsupportedActivation)
	}
	if act == cpu.Sigmoid && !cfg.GLU {
		return nil, fmt.Errorf("feed-forward sigmoid without GLU: %w", ErrUnsupportedActivation)
	}
	if cfg.ModelDim <= 0 || cfg.InnerDim <= 0 {
		return nil, fmt.Errorf("feed-forward dims %dx%d must be positive", cfg.ModelDim, cfg.InnerDim)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("feed-forward dropout %v outside [0, 1)", cfg.Dropout)
	}

	width := cfg.InnerDim
	if cfg.GLU {
		width *= 2
	}
	f := &FeedForward{
		InputWeight:  NewParameter("in_proj_weight", tensor.Zeros(tensor.Shape{width, cfg.ModelDim}, cfg.DType, tensor.CPU)),
		InputBias:    NewParameter("in_proj_bias", tensor.Zeros(tensor.Shape{width}, cfg.DType, tensor.CPU)),
		OutputWeight: NewParameter("out_proj_weight", tensor.Zeros(tensor.Shape{cfg.ModelDim, cfg.InnerDim}, cfg.DType, tensor.CPU)),
		OutputBias:   NewParameter("out_proj_bias", tensor.Zeros(tensor.Shape{cfg.ModelDim}, cfg.DType, tensor.CPU)),
		config:       cfg,
		act:          act,
		backend:      backend,
	}
	f.ResetParameters(newRand(rng))
	return f, nil
}

// ResetParameters re-initializes the weights with fan_in + fan_out =
// model + inner and zeroes the biases.
func (f *FeedForward) ResetParameters(rng *rand.Rand) {
	c := f.config
	f.InputWeight.SetTensor(initWeight(c.Init, f.InputWeight.Tensor().Shape(), c.ModelDim, c.InnerDim, c.DType, rng))
	f.OutputWeight.SetTensor(initWeight(c.Init, f.OutputWeight.Tensor().Shape(), c.ModelDim, c.InnerDim, c.DType, rng))
	f.InputBias.SetTensor(tensor.Zeros(f.InputBias.Tensor().Shape(), c.DType, tensor.CPU))
	f.OutputBias.SetTensor(tensor.Zeros(f.OutputBias.Tensor().Shape(), c.DType, tensor.CPU))
}

// Parameters returns the projection parameters.
func (f *FeedForward) Parameters() []*Parameter {
	return []*Parameter{f.InputWeight, f.InputBias, f.OutputWeight, f.OutputBias}
}

// Forward applies the network to x of shape [..., model]. Dropout runs only
// when training, drawing from rng (nil for a fresh seed).
func (f *FeedForward) Forward(x *tensor.RawTensor, training bool, rng *rand.Rand) (*tensor.RawTensor, *FFNContext) {
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != f.config.ModelDim {
		panic(fmt.Sprintf("FeedForward: input %v does not end in model dim %d", shape, f.config.ModelDim))
	}
	if x.DType() != f.config.DType {
		panic(fmt.Sprintf("FeedForward: input is %s, parameters are %s", x.DType(), f.config.DType))
	}
	if training && f.config.Dropout > 0 {
		rng = newRand(rng)
	} else {
		rng = nil
	}
	if x.DType().Compute() == tensor.Float64 {
		return ffnForward[float64](f, x, rng)
	}
	return ffnForward[float32](f, x, rng)
}

// Backward consumes ctx, accumulates parameter gradients and returns the
// gradient of the input.
func (f *FeedForward) Backward(ctx *FFNContext, outputGrad *tensor.RawTensor) *tensor.RawTensor {
	if ctx.spent {
		panic("FeedForward: context already consumed by a previous Backward call")
	}
	outputGrad.Shape().MustMatch("FeedForward: output gradient", ctx.shape)
	ctx.spent = true
	if ctx.input.DType() == tensor.Float64 {
		return ffnBackward[float64](f, ctx, outputGrad)
	}
	return ffnBackward[float32](f, ctx, outputGrad)
}

func ffnForward[F tensor.Float](f *FeedForward, x *tensor.RawTensor, rng *rand.Rand) (*tensor.RawTensor, *FFNContext) {
	c := f.config
	storage, compute := c.DType, c.DType.Compute()
	model, inner := c.ModelDim, c.InnerDim
	width := f.InputWeight.Tensor().Shape()[0]
	rows := x.NumElements() / model

	ctx := &FFNContext{
		input:        tensor.Cast(x, compute).View(tensor.Shape{rows, model}),
		pre:          tensor.Zeros(tensor.Shape{rows, width}, compute, tensor.CPU),
		shape:        x.Shape().Clone(),
		inputWeight:  snapshot(f.InputWeight.Tensor(), compute),
		outputWeight: snapshot(f.OutputWeight.Tensor(), compute),
	}
	pre := tensor.Floats[F](ctx.pre)
	cpu.Linear(tensor.Floats[F](ctx.input), rows, model,
		tensor.Floats[F](ctx.inputWeight), width,
		tensor.Floats[F](tensor.Cast(f.InputBias.Tensor(), compute)), pre)
	tensor.Round(storage, pre)

	ctx.hidden = tensor.Zeros(tensor.Shape{rows, inner}, compute, tensor.CPU)
	hidden := tensor.Floats[F](ctx.hidden)
	for r := 0; r < rows; r++ {
		h := hidden[r*inner : (r+1)*inner]
		if !c.GLU {
			cpu.Apply(f.act, pre[r*width:(r+1)*width], h)
			continue
		}
		value := pre[r*width : r*width+inner]
		gate := pre[r*width+inner : (r+1)*width]
		if f.act == cpu.Sigmoid {
			cpu.Apply(cpu.Sigmoid, gate, h)
			for j := range h {
				h[j] *= value[j]
			}
		} else {
			cpu.Apply(f.act, value, h)
			for j := range h {
				h[j] *= gate[j]
			}
		}
	}

	if rng != nil {
		ctx.keep = make([]bool, len(hidden))
		scale := F(1 / (1 - c.Dropout))
		for i := range hidden {
			ctx.keep[i] = rng.Float64() >= c.Dropout
			if ctx.keep[i] {
				hidden[i] *= scale
			} else {
				hidden[i] = 0
			}
		}
	}
	tensor.Round(storage, hidden)

	out := make([]F, rows*model)
	cpu.Linear(hidden, rows, inner,
		tensor.Floats[F](ctx.outputWeight), model,
		tensor.Floats[F](tensor.Cast(f.OutputBias.Tensor(), compute)), out)
	return tensor.MustFromSlice(out, ctx.shape, storage, tensor.CPU), ctx
}

func ffnBackward[F tensor.Float](f *FeedForward, ctx *FFNContext, outputGrad *tensor.RawTensor) *tensor.RawTensor {
	c := f.config
	storage, compute := c.DType, c.DType.Compute()
	model, inner := c.ModelDim, c.InnerDim
	width := ctx.inputWeight.Shape()[0]
	rows := ctx.input.Shape()[0]

	dy := tensor.Floats[F](tensor.Cast(outputGrad, compute))
	dHidden, dW2, dB2 := cpu.LinearBackward(dy, tensor.Floats[F](ctx.hidden), rows, inner,
		tensor.Floats[F](ctx.outputWeight), model)

	if ctx.keep != nil {
		scale := F(1 / (1 - c.Dropout))
		for i, k := range ctx.keep {
			if k {
				dHidden[i] *= scale
			} else {
				dHidden[i] = 0
			}
		}
	}
	tensor.Round(storage, dHidden)

	pre := tensor.Floats[F](ctx.pre)
	dPre := make([]F, rows*width)
	tmp := make([]F, inner)
	for r := 0; r < rows; r++ {
		dh := dHidden[r*inner : (r+1)*inner]
		if !c.GLU {
			cpu.ApplyGrad(f.act, pre[r*width:(r+1)*width], dh, dPre[r*width:(r+1)*width])
			continue
		}
		value := pre[r*width : r*width+inner]
		gate := pre[r*width+inner : (r+1)*width]
		dValue := dPre[r*width : r*width+inner]
		dGate := dPre[r*width+inner : (r+1)*width]
		if f.act == cpu.Sigmoid {
			// h = value·σ(gate)
			cpu.Apply(cpu.Sigmoid, gate, tmp)
			for j := range dh {
				dValue[j] = dh[j] * tmp[j]
				tmp[j] = dh[j] * value[j]
			}
			cpu.ApplyGrad(cpu.Sigmoid, gate, tmp, dGate)
		} else {
			// h = act(value)·gate
			cpu.Apply(f.act, value, tmp)
			for j := range dh {
				dGate[j] = dh[j] * tmp[j]
				tmp[j] = dh[j] * gate[j]
			}
			cpu.ApplyGrad(f.act, value, tmp, dValue)
		}
	}
	tensor.Round(storage, dPre)

	dX, dW1, dB1 := cpu.LinearBackward(dPre, tensor.Floats[F](ctx.input), rows, model,
		tensor.Floats[F](ctx.inputWeight), width)

	f.InputWeight.AccumulateGrad(tensor.MustFromSlice(dW1, tensor.Shape{width, model}, compute, tensor.CPU))
	f.InputBias.AccumulateGrad(tensor.MustFromSlice(dB1, tensor.Shape{width}, compute, tensor.CPU))
	f.OutputWeight.AccumulateGrad(tensor.MustFromSlice(dW2, tensor.Shape{model, inner}, compute, tensor.CPU))
	f.OutputBias.AccumulateGrad(tensor.MustFromSlice(dB2, tensor.Shape{model}, compute, tensor.CPU))
	return tensor.MustFromSlice(dX, ctx.shape, storage, tensor.CPU)
}

// snapshot returns w in the compute type, never aliasing the parameter.
func snapshot(w *tensor.RawTensor, compute tensor.DataType) *tensor.RawTensor {
	if w.DType() == compute {
		return w.Clone()
	}
	return tensor.Cast(w, compute)
}
