package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/born-ml/fusedattn/internal/parallel"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// Matrix is a row-major strided view into a flat buffer.
//
// Element (i, j) lives at Data[i*Stride+j]. Stride may exceed Cols, which is
// how per-head slices of a [S, B, D] activation are addressed without copying.
type Matrix[F tensor.Float] struct {
	Rows, Cols, Stride int
	Data               []F
}

// Dense wraps a contiguous rows×cols buffer.
func Dense[F tensor.Float](rows, cols int, data []F) Matrix[F] {
	return Matrix[F]{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Strided views rows×cols elements of buf starting at offset with the given
// row stride.
func Strided[F tensor.Float](buf []F, offset, rows, cols, stride int) Matrix[F] {
	return Matrix[F]{Rows: rows, Cols: cols, Stride: stride, Data: buf[offset:]}
}

// At returns element (i, j).
func (m Matrix[F]) At(i, j int) F {
	return m.Data[i*m.Stride+j]
}

// Set sets element (i, j).
func (m Matrix[F]) Set(i, j int, v F) {
	m.Data[i*m.Stride+j] = v
}

// Row returns row i as a slice of length Cols.
func (m Matrix[F]) Row(i int) []F {
	return m.Data[i*m.Stride : i*m.Stride+m.Cols]
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c where op transposes its
// argument when the matching flag is set.
//
// Dimensions of a and b describe the stored matrices, before transposition.
func Gemm[F tensor.Float](transA, transB bool, alpha F, a, b Matrix[F], beta F, c Matrix[F]) {
	m, k := a.Rows, a.Cols
	if transA {
		m, k = k, m
	}
	kb, n := b.Rows, b.Cols
	if transB {
		kb, n = n, kb
	}
	if k != kb || c.Rows != m || c.Cols != n {
		panic(fmt.Sprintf("gemm: shape mismatch op(a)=[%d,%d] op(b)=[%d,%d] c=[%d,%d]", m, k, kb, n, c.Rows, c.Cols))
	}

	tA, tB := transpose(transA), transpose(transB)
	switch av := any(a).(type) {
	case Matrix[float32]:
		bv, cv := any(b).(Matrix[float32]), any(c).(Matrix[float32])
		blas32.Gemm(tA, tB, float32(alpha), general32(av), general32(bv), float32(beta), general32(cv))
	case Matrix[float64]:
		bv, cv := any(b).(Matrix[float64]), any(c).(Matrix[float64])
		blas64.Gemm(tA, tB, float64(alpha), general64(av), general64(bv), float64(beta), general64(cv))
	}
}

// BatchGemm runs count independent GEMMs that share shapes and scalars,
// fanning them out across the backend's workers. operands returns the
// matrices of problem i; output matrices must not overlap.
func BatchGemm[F tensor.Float](cpu *CPUBackend, count int, transA, transB bool, alpha, beta F, operands func(i int) (a, b, c Matrix[F])) {
	if count == 0 {
		return
	}
	a, _, c := operands(0)
	cost := c.Rows * c.Cols * a.Cols
	if transA {
		cost = c.Rows * c.Cols * a.Rows
	}
	parallel.For(count, cost, func(i int) {
		a, b, c := operands(i)
		Gemm(transA, transB, alpha, a, b, beta, c)
	}, cpu.par)
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

func general32(m Matrix[float32]) blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Stride, Data: m.Data}
}

func general64(m Matrix[float64]) blas64.General {
	return blas64.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Stride, Data: m.Data}
}
