package selfattn

import (
	"github.com/born-ml/fusedattn/internal/tensor"
)

// GenericKernel runs mask, softmax and dropout as separate passes over the
// whole score tensor. It supports every configuration.
type GenericKernel struct{}

// Name implements Kernel.
func (GenericKernel) Name() string { return "generic" }

// Supports implements Kernel.
func (GenericKernel) Supports(tensor.Device, tensor.DataType, int) bool { return true }

// Forward implements Kernel.
func (GenericKernel) Forward(p *SoftmaxParams) SoftmaxResult {
	if p.Scores.DType() == tensor.Float64 {
		return genericForward[float64](p)
	}
	return genericForward[float32](p)
}

// Backward implements Kernel.
func (GenericKernel) Backward(p *SoftmaxGradParams) *tensor.RawTensor {
	if p.Softmax.DType() == tensor.Float64 {
		return genericBackward[float64](p)
	}
	return genericBackward[float32](p)
}

func genericForward[F tensor.Float](p *SoftmaxParams) SoftmaxResult {
	rows, cols := rowShape(p.Scores)
	seqQ := p.Scores.Shape()[1]

	var keep *tensor.RawTensor
	if p.dropoutActive() {
		keep = drawKeep(p.Rand, rows*cols, p.DropoutProb)
	}

	softmax := p.Scores.Clone()
	s := tensor.Floats[F](softmax)

	// Mask pass.
	if p.Mask != nil {
		p.Backend.For(rows, cols, func(r int) {
			bh, i := r/seqQ, r%seqQ
			suppress := p.Mask.row(bh/p.Heads, i, cols)
			row := s[r*cols : (r+1)*cols]
			for j, m := range suppress {
				if m {
					row[j] = negInf[F]()
				}
			}
		})
	}

	// Softmax pass.
	p.Backend.For(rows, 4*cols, func(r int) {
		row := s[r*cols : (r+1)*cols]
		rowMax := negInf[F]()
		for _, v := range row {
			rowMax = max(rowMax, v)
		}
		if rowMax == negInf[F]() {
			// Every key is masked: the row carries no probability mass.
			clear(row)
			return
		}
		var sum F
		for j, v := range row {
			e := exp(v - rowMax)
			row[j] = e
			sum += e
		}
		for j := range row {
			row[j] /= sum
		}
		tensor.Round(p.Storage, row)
	})

	if keep == nil {
		return SoftmaxResult{Softmax: softmax, Dropout: softmax}
	}

	// Dropout pass.
	dropout := tensor.MustNewRaw(softmax.Shape(), softmax.DType(), softmax.Device())
	d := tensor.Floats[F](dropout)
	k := keep.AsBool()
	scale := F(1 / (1 - p.DropoutProb))
	p.Backend.For(rows, cols, func(r int) {
		for j := r * cols; j < (r+1)*cols; j++ {
			if k[j] {
				d[j] = s[j] * scale
			}
		}
		tensor.Round(p.Storage, d[r*cols:(r+1)*cols])
	})

	return SoftmaxResult{Softmax: softmax, Dropout: dropout, Keep: keep}
}

func genericBackward[F tensor.Float](p *SoftmaxGradParams) *tensor.RawTensor {
	rows, cols := rowShape(p.Softmax)
	s := tensor.Floats[F](p.Softmax)

	grad := p.Grad.Clone()
	g := tensor.Floats[F](grad)

	// Dropout pass: g = dP·keep/(1-p).
	if p.Keep != nil {
		k := p.Keep.AsBool()
		scale := F(1 / (1 - p.DropoutProb))
		p.Backend.For(rows, cols, func(r int) {
			for j := r * cols; j < (r+1)*cols; j++ {
				if k[j] {
					g[j] *= scale
				} else {
					g[j] = 0
				}
			}
			tensor.Round(p.Storage, g[r*cols:(r+1)*cols])
		})
	}

	// Softmax pass: dS = s ⊙ (g - Σ g⊙s).
	p.Backend.For(rows, 2*cols, func(r int) {
		gr := g[r*cols : (r+1)*cols]
		sr := s[r*cols : (r+1)*cols]
		var dot F
		for j := range gr {
			dot += gr[j] * sr[j]
		}
		for j := range gr {
			gr[j] = sr[j] * (gr[j] - dot)
		}
		tensor.Round(p.Storage, gr)
	})

	return grad
}
