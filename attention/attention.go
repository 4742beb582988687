// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package attention provides fused multi-head self-attention with an explicit
// backward pass.
//
// Forward takes an input of shape [S, B, D], projects it into queries, keys
// and values with one joint weight, attends per head and projects back to D.
// It returns the output and a Context; Backward consumes the Context once and
// returns gradients for the input and every projection parameter.
//
// Incremental decoding passes a Cache: each call appends its new keys and
// values and attends over the whole history.
//
// Example:
//
//	backend := cpu.New()
//	res, ctx := attention.Forward(backend, params, attention.Inputs{
//	    Input: x,
//	    Mask:  attention.CausalMask(seq, seq),
//	}, attention.Options{Training: true, Heads: 8, DropoutProb: 0.1})
//	grads := attention.Backward(backend, ctx, dOut, nil)
package attention

import (
	"github.com/born-ml/fusedattn/backend/cpu"
	"github.com/born-ml/fusedattn/internal/selfattn"
	"github.com/born-ml/fusedattn/tensor"
)

// Core types.
type (
	Params  = selfattn.Params
	Inputs  = selfattn.Inputs
	Options = selfattn.Options
	Result  = selfattn.Result
	Context = selfattn.Context
	Grads   = selfattn.Grads
)

// Forward runs self-attention. See Options for training, dropout, rotary
// encoding and incremental decoding.
func Forward(backend *cpu.Backend, params Params, in Inputs, opts Options) (*Result, *Context) {
	return selfattn.Forward(backend, params, in, opts)
}

// Backward consumes ctx and returns all gradients. weightsGrad is the
// gradient of the exposed attention weights and may be nil.
func Backward(backend *cpu.Backend, ctx *Context, outputGrad, weightsGrad *tensor.RawTensor) *Grads {
	return selfattn.Backward(backend, ctx, outputGrad, weightsGrad)
}

// Masks

// Mask suppresses score positions; true entries receive zero probability.
type Mask = selfattn.Mask

// MaskKind selects how a mask is broadcast.
type MaskKind = selfattn.MaskKind

// Mask kinds.
const (
	TimeMask       = selfattn.TimeMask
	KeyPaddingMask = selfattn.KeyPaddingMask
)

// NewTimeMask wraps a [Sq, Sk] bool tensor.
func NewTimeMask(values *tensor.RawTensor) *Mask {
	return selfattn.NewTimeMask(values)
}

// NewKeyPaddingMask wraps a [B, Sk] bool tensor.
func NewKeyPaddingMask(values *tensor.RawTensor) *Mask {
	return selfattn.NewKeyPaddingMask(values)
}

// CausalMask returns a time mask hiding future keys.
func CausalMask(seqQ, seqK int) *Mask {
	return selfattn.CausalMask(seqQ, seqK)
}

// Incremental decoding and rotary encoding

// Cache holds the key/value history of one attention layer.
type Cache = selfattn.Cache

// NewCache returns an empty cache.
func NewCache() *Cache {
	return selfattn.NewCache()
}

// RotaryTables holds [maxLen, headDim] cosine and sine tables.
type RotaryTables = selfattn.RotaryTables

// NewRotaryTables builds rotate-half tables with the given base frequency
// (0 means 10000).
func NewRotaryTables(maxLen, headDim int, base float64, dtype tensor.DataType) *RotaryTables {
	return selfattn.NewRotaryTables(maxLen, headDim, base, dtype)
}

// Kernels

// Kernel performs the softmax and dropout stage and its gradient.
type Kernel = selfattn.Kernel

// Kernel implementations.
type (
	GenericKernel = selfattn.GenericKernel
	FusedKernel   = selfattn.FusedKernel
)

// ErrUnknownKernel is returned by KernelByName for unknown names.
var ErrUnknownKernel = selfattn.ErrUnknownKernel

// DefaultKernel returns the kernel selected by FUSEDATTN_FUSED_KERNEL.
func DefaultKernel() Kernel {
	return selfattn.DefaultKernel()
}

// KernelByName returns "generic", "fused" or "fused-full".
func KernelByName(name string) (Kernel, error) {
	return selfattn.KernelByName(name)
}

// Gradient checking

type (
	CheckConfig = selfattn.CheckConfig
	GradResult  = selfattn.GradResult
	Report      = selfattn.Report
)

// GradCheck compares Backward against central finite differences in float64.
func GradCheck(backend *cpu.Backend, cfg CheckConfig) Report {
	return selfattn.GradCheck(backend, cfg)
}
