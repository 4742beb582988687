package selfattn

import (
	"fmt"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// FusedKernel handles one softmax row at a time, masking while it tracks the
// running maximum and normalizer, then normalizing and dropping out in a
// second sweep over the same row. Backward recomputes the dropout gradient
// and the softmax product in a single sweep per row.
//
// Like the accelerated kernels it stands in for, it only accepts reduced
// precision storage and a bounded key length unless FullPrecision is set.
type FusedKernel struct {
	MaxKeyLen     int  // longest supported key sequence; 0 means DefaultFusedMaxKeys
	FullPrecision bool // also accept float32 and float64 storage
}

// Name implements Kernel.
func (k *FusedKernel) Name() string {
	if k.FullPrecision {
		return "fused-full"
	}
	return "fused"
}

// Supports implements Kernel.
func (k *FusedKernel) Supports(device tensor.Device, dtype tensor.DataType, keyLen int) bool {
	limit := k.MaxKeyLen
	if limit <= 0 {
		limit = DefaultFusedMaxKeys
	}
	if device != tensor.CPU || keyLen > limit {
		return false
	}
	return dtype.IsReduced() || (k.FullPrecision && dtype.IsFloat())
}

// String returns a description including the key limit.
func (k *FusedKernel) String() string {
	return fmt.Sprintf("%s(max_keys=%d)", k.Name(), k.MaxKeyLen)
}

// Forward implements Kernel.
func (k *FusedKernel) Forward(p *SoftmaxParams) SoftmaxResult {
	if p.Scores.DType() == tensor.Float64 {
		return fusedForward[float64](p)
	}
	return fusedForward[float32](p)
}

// Backward implements Kernel.
func (k *FusedKernel) Backward(p *SoftmaxGradParams) *tensor.RawTensor {
	if p.Softmax.DType() == tensor.Float64 {
		return fusedBackward[float64](p)
	}
	return fusedBackward[float32](p)
}

func fusedForward[F tensor.Float](p *SoftmaxParams) SoftmaxResult {
	rows, cols := rowShape(p.Scores)
	seqQ := p.Scores.Shape()[1]

	var keep []bool
	res := SoftmaxResult{}
	if p.dropoutActive() {
		res.Keep = drawKeep(p.Rand, rows*cols, p.DropoutProb)
		keep = res.Keep.AsBool()
	}

	x := tensor.Floats[F](p.Scores)
	res.Softmax = tensor.MustNewRaw(p.Scores.Shape(), p.Scores.DType(), tensor.CPU)
	s := tensor.Floats[F](res.Softmax)
	res.Dropout = res.Softmax
	d := s
	if keep != nil {
		res.Dropout = tensor.MustNewRaw(p.Scores.Shape(), p.Scores.DType(), tensor.CPU)
		d = tensor.Floats[F](res.Dropout)
	}
	scale := F(1 / (1 - p.DropoutProb))

	p.Backend.For(rows, 4*cols, func(r int) {
		lo, hi := r*cols, (r+1)*cols
		suppress := p.Mask.row((r/seqQ)/p.Heads, r%seqQ, cols)

		// Sweep 1: mask, running max and normalizer.
		runMax, runSum := negInf[F](), F(0)
		for j := lo; j < hi; j++ {
			if suppress != nil && suppress[j-lo] {
				continue
			}
			v := x[j]
			if v == negInf[F]() {
				continue
			}
			if v > runMax {
				runSum = runSum*exp(runMax-v) + 1
				runMax = v
			} else {
				runSum += exp(v - runMax)
			}
		}

		// Sweep 2: normalize, round, drop out.
		if runMax == negInf[F]() {
			clear(s[lo:hi])
			if keep != nil {
				clear(d[lo:hi])
			}
			return
		}
		inv := 1 / runSum
		for j := lo; j < hi; j++ {
			if suppress != nil && suppress[j-lo] {
				s[j] = 0
				continue
			}
			s[j] = exp(x[j]-runMax) * inv
		}
		tensor.Round(p.Storage, s[lo:hi])
		if keep != nil {
			for j := lo; j < hi; j++ {
				if keep[j] {
					d[j] = s[j] * scale
				} else {
					d[j] = 0
				}
			}
			tensor.Round(p.Storage, d[lo:hi])
		}
	})

	return res
}

func fusedBackward[F tensor.Float](p *SoftmaxGradParams) *tensor.RawTensor {
	rows, cols := rowShape(p.Softmax)
	s := tensor.Floats[F](p.Softmax)
	dp := tensor.Floats[F](p.Grad)

	var keep []bool
	if p.Keep != nil {
		keep = p.Keep.AsBool()
	}
	scale := F(1 / (1 - p.DropoutProb))

	out := tensor.MustNewRaw(p.Softmax.Shape(), p.Softmax.DType(), tensor.CPU)
	ds := tensor.Floats[F](out)

	p.Backend.For(rows, 2*cols, func(r int) {
		lo, hi := r*cols, (r+1)*cols
		var dot F
		for j := lo; j < hi; j++ {
			g := dp[j]
			if keep != nil {
				if keep[j] {
					g *= scale
				} else {
					g = 0
				}
			}
			ds[j] = g
		}
		tensor.Round(p.Storage, ds[lo:hi])
		for j := lo; j < hi; j++ {
			dot += ds[j] * s[j]
		}
		for j := lo; j < hi; j++ {
			ds[j] = s[j] * (ds[j] - dot)
		}
		tensor.Round(p.Storage, ds[lo:hi])
	})

	return out
}
