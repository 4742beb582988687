package selfattn

import (
	"github.com/born-ml/fusedattn/internal/tensor"
)

// Context is everything Forward saves for the matching Backward call.
//
// Tensors are held in the compute type (float32 for reduced precision
// storage, float64 for float64). A Context belongs to exactly one
// forward/backward pair: Backward marks it spent and a second use panics.
type Context struct {
	storage tensor.DataType
	compute tensor.DataType

	seqQ, seqK  int
	batch, dim  int
	heads       int
	headDim     int
	scale       float64
	dropoutProb float64

	input        *tensor.RawTensor // [Sq, B, D]
	inputWeight  *tensor.RawTensor // [3D, D]
	outputWeight *tensor.RawTensor // [D, D]

	qkv     *tensor.RawTensor // [Sq, B, 3D] joint projection
	queries *tensor.RawTensor // [Sq, B, D] rotated queries; nil when read from qkv
	keys    *tensor.RawTensor // [Sk, B, D]; nil when read from qkv
	values  *tensor.RawTensor // [Sk, B, D]; nil when read from qkv

	softmax *tensor.RawTensor // [B*H, Sq, Sk] before dropout
	dropout *tensor.RawTensor // [B*H, Sq, Sk] after dropout
	keep    *tensor.RawTensor // dropout mask, nil when dropout was inactive
	matmul2 *tensor.RawTensor // [Sq, B, D] attention context before the output projection

	rotaryCos *tensor.RawTensor // [maxLen, hd], nil without rotary encoding
	rotarySin *tensor.RawTensor

	incremental bool
	kernel      Kernel
	spent       bool
}

// Heads returns the number of attention heads.
func (c *Context) Heads() int { return c.heads }

// Scale returns the score scale factor head_dim^-0.5.
func (c *Context) Scale() float64 { return c.scale }

// KeepProb returns the dropout keep probability.
func (c *Context) KeepProb() float64 { return 1 - c.dropoutProb }

// Kernel returns the name of the kernel that ran the softmax stage.
func (c *Context) Kernel() string { return c.kernel.Name() }

// Rotary reports whether rotary encoding was applied.
func (c *Context) Rotary() bool { return c.rotaryCos != nil }

// Incremental reports whether the forward call extended a cache.
func (c *Context) Incremental() bool { return c.incremental }

// Spent reports whether Backward already consumed the context.
func (c *Context) Spent() bool { return c.spent }

// direct reports whether query, key and value gradients can be written
// straight into the joint projection gradient.
func (c *Context) direct() bool {
	return !c.incremental && c.rotaryCos == nil
}
