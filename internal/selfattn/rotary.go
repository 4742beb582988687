package selfattn

import (
	"fmt"
	"math"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// RotaryTables are the precomputed cosine and sine tables of rotary position
// encoding, each of shape [maxLen, headDim] in rotate-half layout: column j
// and column j+headDim/2 share a frequency.
type RotaryTables struct {
	Cos *tensor.RawTensor
	Sin *tensor.RawTensor
}

func (t *RotaryTables) validate(headDim, seqK int) {
	if t == nil || t.Cos == nil || t.Sin == nil {
		panic("selfattn: rotary encoding requested without sine/cosine tables")
	}
	if headDim%2 != 0 {
		panic(fmt.Sprintf("selfattn: rotary encoding needs an even head dim, got %d", headDim))
	}
	shape := t.Cos.Shape()
	if len(shape) != 2 || shape[1] != headDim || !t.Sin.Shape().Equal(shape) {
		panic(fmt.Sprintf("selfattn: rotary tables must be [maxLen, %d], got cos %v sin %v",
			headDim, shape, t.Sin.Shape()))
	}
	if shape[0] < seqK {
		panic(fmt.Sprintf("selfattn: rotary tables cover %d positions, need %d", shape[0], seqK))
	}
}

// headLayout addresses [rows, hd] per-(batch, head) slices of a time-major
// activation buffer.
type headLayout struct {
	base        int // offset of (0, 0, 0)
	rowStride   int // between time steps
	batchStride int
	headStride  int
}

func (l headLayout) offset(s, b, h int) int {
	return l.base + s*l.rowStride + b*l.batchStride + h*l.headStride
}

// qkvLayout addresses part (0 query, 1 key, 2 value) of a [S, B, 3D] joint
// projection with the [H, 3, hd] interleaving.
func qkvLayout(part, batch, dim, headDim int) headLayout {
	return headLayout{
		base:        part * headDim,
		rowStride:   batch * 3 * dim,
		batchStride: 3 * dim,
		headStride:  3 * headDim,
	}
}

// flatLayout addresses a [S, B, D] buffer.
func flatLayout(batch, dim, headDim int) headLayout {
	return headLayout{
		rowStride:   batch * dim,
		batchStride: dim,
		headStride:  headDim,
	}
}

// rotate applies y = x·cos + rotate_half(x)·sin, with rotate_half([a, b]) = [-b, a],
// to rows time steps of src and writes them to a flat [rows, B, D] dst. Row s
// uses table position s+pos.
func rotate[F tensor.Float](dst []F, src []F, from headLayout, rows, batch, heads, headDim, pos int, cos, sin []F) {
	to := flatLayout(batch, heads*headDim, headDim)
	half := headDim / 2
	for s := 0; s < rows; s++ {
		c := cos[(s+pos)*headDim : (s+pos+1)*headDim]
		sn := sin[(s+pos)*headDim : (s+pos+1)*headDim]
		for b := 0; b < batch; b++ {
			for h := 0; h < heads; h++ {
				x := src[from.offset(s, b, h):][:headDim]
				y := dst[to.offset(s, b, h):][:headDim]
				for j := 0; j < half; j++ {
					y[j] = x[j]*c[j] - x[j+half]*sn[j]
					y[j+half] = x[j+half]*c[j+half] + x[j]*sn[j+half]
				}
			}
		}
	}
}

// rotateBackward maps the gradient of rotated values back to the gradient of
// the unrotated ones in place: dx = g·cos + rotate_backward(sin·g), with
// rotate_backward([a, b]) = [b, -a]. g is a flat [rows, B, D] buffer.
func rotateBackward[F tensor.Float](g []F, rows, batch, heads, headDim, pos int, cos, sin []F) {
	l := flatLayout(batch, heads*headDim, headDim)
	half := headDim / 2
	for s := 0; s < rows; s++ {
		c := cos[(s+pos)*headDim : (s+pos+1)*headDim]
		sn := sin[(s+pos)*headDim : (s+pos+1)*headDim]
		for b := 0; b < batch; b++ {
			for h := 0; h < heads; h++ {
				x := g[l.offset(s, b, h):][:headDim]
				for j := 0; j < half; j++ {
					lo, hi := x[j], x[j+half]
					x[j] = lo*c[j] + sn[j+half]*hi
					x[j+half] = hi*c[j+half] - sn[j]*lo
				}
			}
		}
	}
}

// NewRotaryTables precomputes rotate-half cosine and sine tables for maxLen
// positions: column j and j+headDim/2 both use frequency base^(-2j/headDim).
// base <= 0 selects 10000.
func NewRotaryTables(maxLen, headDim int, base float64, dtype tensor.DataType) *RotaryTables {
	if headDim%2 != 0 || headDim <= 0 {
		panic(fmt.Sprintf("selfattn: rotary head dim must be positive and even, got %d", headDim))
	}
	if maxLen <= 0 {
		panic(fmt.Sprintf("selfattn: rotary tables need a positive length, got %d", maxLen))
	}
	if base <= 0 {
		base = 10000
	}

	half := headDim / 2
	cos := make([]float64, maxLen*headDim)
	sin := make([]float64, maxLen*headDim)
	for pos := 0; pos < maxLen; pos++ {
		for j := 0; j < half; j++ {
			angle := float64(pos) * math.Pow(base, -2*float64(j)/float64(headDim))
			c, s := math.Cos(angle), math.Sin(angle)
			cos[pos*headDim+j], cos[pos*headDim+j+half] = c, c
			sin[pos*headDim+j], sin[pos*headDim+j+half] = s, s
		}
	}

	shape := tensor.Shape{maxLen, headDim}
	return &RotaryTables{
		Cos: tensor.MustFromSlice(cos, shape, dtype, tensor.CPU),
		Sin: tensor.MustFromSlice(sin, shape, dtype, tensor.CPU),
	}
}
