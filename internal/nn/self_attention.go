package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/selfattn"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// SelfAttentionConfig configures a SelfAttention module.
type SelfAttentionConfig struct {
	ModelDim int     // D
	Heads    int     // H, must divide D
	Dropout  float64 // Attention dropout probability

	Rotary    bool    // Apply rotary position encoding
	MaxSeqLen int     // Initial rotary table length (default: 512)
	Theta     float64 // Rotary base frequency (default: 10000.0)

	DType  tensor.DataType // Parameter storage type
	Kernel selfattn.Kernel // Preferred softmax kernel; nil selects from the environment
	Init   InitScheme
}

// SelfAttention is multi-head self-attention with a joint QKV projection.
//
// Architecture:
//
//	qkv = x·W_inᵀ + b_in                  [S, B, 3D], rows of W_in as [H, 3, D/H]
//	scores = (q·kᵀ)·(D/H)^-0.5 (+mask)     per head
//	out = dropout(softmax(scores))·v·W_outᵀ + b_out
//
// Example:
//
//	attn := nn.NewSelfAttention(nn.SelfAttentionConfig{ModelDim: 512, Heads: 8, Dropout: 0.1}, backend, rng)
//	res, ctx := attn.Forward(x, nil, nn.AttentionOptions{Training: true})
//	dx := attn.Backward(ctx, dOut, nil) // accumulates parameter gradients
type SelfAttention struct {
	InputWeight  *Parameter // [3D, D]
	InputBias    *Parameter // [3D]
	OutputWeight *Parameter // [D, D]
	OutputBias   *Parameter // [D]

	config  SelfAttentionConfig
	rope    *RotaryEncoding
	backend *cpu.CPUBackend
}

// AttentionOptions are the per-call settings of SelfAttention.Forward.
type AttentionOptions struct {
	Training      bool
	Cache         *selfattn.Cache // set for incremental decoding
	ExposeWeights bool
	Rand          *rand.Rand // dropout source; nil draws a fresh seed
}

// NewSelfAttention creates a self-attention module with freshly initialized
// parameters drawn from rng (nil for a random seed).
//
// Panics if ModelDim is not divisible by Heads.
func NewSelfAttention(cfg SelfAttentionConfig, backend *cpu.CPUBackend, rng *rand.Rand) *SelfAttention {
	if cfg.Heads <= 0 || cfg.ModelDim%cfg.Heads != 0 {
		panic(fmt.Sprintf("SelfAttention: ModelDim %d not divisible by Heads %d", cfg.ModelDim, cfg.Heads))
	}
	if cfg.MaxSeqLen <= 0 {
		cfg.MaxSeqLen = 512
	}

	d := cfg.ModelDim
	m := &SelfAttention{
		InputWeight:  NewParameter("in_proj_weight", tensor.Zeros(tensor.Shape{3 * d, d}, cfg.DType, tensor.CPU)),
		InputBias:    NewParameter("in_proj_bias", tensor.Zeros(tensor.Shape{3 * d}, cfg.DType, tensor.CPU)),
		OutputWeight: NewParameter("out_proj_weight", tensor.Zeros(tensor.Shape{d, d}, cfg.DType, tensor.CPU)),
		OutputBias:   NewParameter("out_proj_bias", tensor.Zeros(tensor.Shape{d}, cfg.DType, tensor.CPU)),
		config:       cfg,
		backend:      backend,
	}
	if cfg.Rotary {
		m.rope = NewRotaryEncoding(RotaryEncodingConfig{
			HeadDim:   d / cfg.Heads,
			MaxSeqLen: cfg.MaxSeqLen,
			Theta:     cfg.Theta,
		})
	}
	m.ResetParameters(newRand(rng))
	return m
}

// ResetParameters re-initializes the weights with the configured scheme
// (fan_in = fan_out = D) and zeroes the biases.
func (m *SelfAttention) ResetParameters(rng *rand.Rand) {
	d, dtype := m.config.ModelDim, m.config.DType
	m.InputWeight.SetTensor(initWeight(m.config.Init, tensor.Shape{3 * d, d}, d, d, dtype, rng))
	m.OutputWeight.SetTensor(initWeight(m.config.Init, tensor.Shape{d, d}, d, d, dtype, rng))
	m.InputBias.SetTensor(tensor.Zeros(tensor.Shape{3 * d}, dtype, tensor.CPU))
	m.OutputBias.SetTensor(tensor.Zeros(tensor.Shape{d}, dtype, tensor.CPU))
}

// Config returns the module configuration.
func (m *SelfAttention) Config() SelfAttentionConfig {
	return m.config
}

// Parameters returns the four projection parameters.
func (m *SelfAttention) Parameters() []*Parameter {
	return []*Parameter{m.InputWeight, m.InputBias, m.OutputWeight, m.OutputBias}
}

// Forward runs attention over x ([S, B, D]) with an optional mask.
func (m *SelfAttention) Forward(x *tensor.RawTensor, mask *selfattn.Mask, opts AttentionOptions) (*selfattn.Result, *selfattn.Context) {
	o := selfattn.Options{
		Training:      opts.Training,
		Heads:         m.config.Heads,
		DropoutProb:   m.config.Dropout,
		Cache:         opts.Cache,
		ExposeWeights: opts.ExposeWeights,
		Kernel:        m.config.Kernel,
		Rand:          opts.Rand,
	}
	if m.rope != nil {
		keys := x.Shape()[0]
		if opts.Cache != nil {
			keys += opts.Cache.Len()
		}
		o.UseRotary = true
		o.Rotary = m.rope.Tables(keys, x.DType())
	}

	params := selfattn.Params{
		InputWeight:  m.InputWeight.Tensor(),
		OutputWeight: m.OutputWeight.Tensor(),
		InputBias:    m.InputBias.Tensor(),
		OutputBias:   m.OutputBias.Tensor(),
	}
	return selfattn.Forward(m.backend, params, selfattn.Inputs{Input: x, Mask: mask}, o)
}

// Backward consumes ctx, accumulates the parameter gradients and returns the
// gradient of the input. weightsGrad may be nil.
func (m *SelfAttention) Backward(ctx *selfattn.Context, outputGrad, weightsGrad *tensor.RawTensor) *tensor.RawTensor {
	grads := selfattn.Backward(m.backend, ctx, outputGrad, weightsGrad)
	m.InputWeight.AccumulateGrad(grads.InputWeight)
	m.InputBias.AccumulateGrad(grads.InputBias)
	m.OutputWeight.AccumulateGrad(grads.OutputWeight)
	m.OutputBias.AccumulateGrad(grads.OutputBias)
	return grads.Input
}
