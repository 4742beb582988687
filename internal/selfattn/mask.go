package selfattn

import (
	"fmt"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// MaskKind selects how a boolean mask is broadcast over the score tensor.
type MaskKind int

// Mask kinds.
const (
	// TimeMask is a [Sq, Sk] mask applied to every batch and head.
	TimeMask MaskKind = iota
	// KeyPaddingMask is a [B, Sk] mask applied to every head and query position.
	KeyPaddingMask
)

// String returns the mask kind name.
func (k MaskKind) String() string {
	switch k {
	case TimeMask:
		return "time"
	case KeyPaddingMask:
		return "key-padding"
	default:
		return fmt.Sprintf("MaskKind(%d)", int(k))
	}
}

// Mask suppresses score positions. A true entry sets the score to -Inf, so the
// position receives exactly zero probability.
type Mask struct {
	Kind   MaskKind
	Values *tensor.RawTensor // bool
}

// NewTimeMask wraps a [Sq, Sk] bool tensor.
func NewTimeMask(values *tensor.RawTensor) *Mask {
	return &Mask{Kind: TimeMask, Values: values}
}

// NewKeyPaddingMask wraps a [B, Sk] bool tensor.
func NewKeyPaddingMask(values *tensor.RawTensor) *Mask {
	return &Mask{Kind: KeyPaddingMask, Values: values}
}

// CausalMask returns a time mask that hides future keys. With seqK > seqQ the
// queries are taken to be the last seqQ positions, as in incremental decoding.
//
// Example:
//
//	mask := selfattn.CausalMask(4, 4)
//	// [[F T T T]
//	//  [F F T T]
//	//  [F F F T]
//	//  [F F F F]]
func CausalMask(seqQ, seqK int) *Mask {
	offset := seqK - seqQ
	data := make([]bool, seqQ*seqK)
	for i := 0; i < seqQ; i++ {
		for j := i + offset + 1; j < seqK; j++ {
			data[i*seqK+j] = true
		}
	}
	return NewTimeMask(tensor.Bools(data, tensor.Shape{seqQ, seqK}, tensor.CPU))
}

func (m *Mask) validate(batch, seqQ, seqK int) {
	if m.Values == nil {
		panic("selfattn: mask has no values")
	}
	if m.Values.DType() != tensor.Bool {
		panic(fmt.Sprintf("selfattn: mask must be bool, got %s", m.Values.DType()))
	}
	shape := m.Values.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("selfattn: %s mask must have rank 2, got shape %v", m.Kind, shape))
	}
	switch m.Kind {
	case TimeMask:
		shape.MustMatch("selfattn: time mask", tensor.Shape{seqQ, seqK})
	case KeyPaddingMask:
		shape.MustMatch("selfattn: key-padding mask", tensor.Shape{batch, seqK})
	default:
		panic(fmt.Sprintf("selfattn: unknown mask kind %v", m.Kind))
	}
}

// row returns the suppression flags for query i of batch element b, or nil
// when nothing is masked.
func (m *Mask) row(b, i, seqK int) []bool {
	if m == nil {
		return nil
	}
	data := m.Values.AsBool()
	if m.Kind == TimeMask {
		return data[i*seqK : (i+1)*seqK]
	}
	return data[b*seqK : (b+1)*seqK]
}
