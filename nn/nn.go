// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides transformer building blocks on top of the attention
// core: a self-attention module, a position-wise feed-forward network,
// rotary position tables and decoding state for incremental inference.
//
// Modules own their parameters. Backward accumulates parameter gradients,
// which an optimizer from the optim package applies.
//
// # Basic Usage
//
//	backend := cpu.New()
//	attn := nn.NewSelfAttention(nn.SelfAttentionConfig{
//	    ModelDim: 512,
//	    Heads:    8,
//	    Dropout:  0.1,
//	    Rotary:   true,
//	    DType:    tensor.Float16,
//	}, backend, nil)
//
//	res, ctx := attn.Forward(x, attention.CausalMask(seq, seq), nn.AttentionOptions{Training: true})
//	dx := attn.Backward(ctx, dOut, nil)
//
// # Incremental Decoding
//
//	state := nn.NewDecodingState(1)
//	for step := range steps {
//	    res, _ := attn.Forward(token, nil, nn.AttentionOptions{Cache: state.Cache(0)})
//	    token = next(res.Output)
//	}
package nn

import (
	"math/rand/v2"

	"github.com/born-ml/fusedattn/backend/cpu"
	"github.com/born-ml/fusedattn/internal/nn"
)

// Module is implemented by every layer with trainable parameters.
type Module = nn.Module

// Parameter represents a trainable parameter and its accumulated gradient.
type Parameter = nn.Parameter

// ZeroGrad clears the gradients of all parameters of m.
func ZeroGrad(m Module) {
	nn.ZeroGrad(m)
}

// InitScheme selects how weights are initialized.
type InitScheme = nn.InitScheme

// Initialization schemes.
const (
	InitNormal        = nn.InitNormal
	InitXavierUniform = nn.InitXavierUniform
)

// Self-attention

type (
	SelfAttention       = nn.SelfAttention
	SelfAttentionConfig = nn.SelfAttentionConfig
	AttentionOptions    = nn.AttentionOptions
)

// NewSelfAttention creates a self-attention module. rng seeds the weights;
// nil draws a random seed.
//
// Panics if ModelDim is not divisible by Heads.
func NewSelfAttention(cfg SelfAttentionConfig, backend *cpu.Backend, rng *rand.Rand) *SelfAttention {
	return nn.NewSelfAttention(cfg, backend, rng)
}

// Feed-forward

type (
	FeedForward       = nn.FeedForward
	FeedForwardConfig = nn.FeedForwardConfig
	FFNContext        = nn.FFNContext
)

// ErrUnsupportedActivation is returned for unknown activations and for
// sigmoid without GLU.
var ErrUnsupportedActivation = nn.ErrUnsupportedActivation

// NewFeedForward creates a feed-forward network.
//
// Example:
//
//	ffn, err := nn.NewFeedForward(nn.FeedForwardConfig{
//	    ModelDim:   512,
//	    InnerDim:   2048,
//	    Activation: "silu",
//	    GLU:        true,
//	}, backend, nil)
func NewFeedForward(cfg FeedForwardConfig, backend *cpu.Backend, rng *rand.Rand) (*FeedForward, error) {
	return nn.NewFeedForward(cfg, backend, rng)
}

// Positional encoding and decoding state

type (
	RotaryEncoding       = nn.RotaryEncoding
	RotaryEncodingConfig = nn.RotaryEncodingConfig
	DecodingState        = nn.DecodingState
)

// NewRotaryEncoding creates a rotary table provider.
func NewRotaryEncoding(cfg RotaryEncodingConfig) *RotaryEncoding {
	return nn.NewRotaryEncoding(cfg)
}

// NewDecodingState creates one empty cache per layer.
func NewDecodingState(layers int) *DecodingState {
	return nn.NewDecodingState(layers)
}
