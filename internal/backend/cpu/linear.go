package cpu

import (
	"fmt"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// Linear computes y = x·Wᵀ + bias for a [rows, in] input and an [out, in]
// weight, writing a [rows, out] result into y. bias may be nil.
func Linear[F tensor.Float](x []F, rows, in int, w []F, out int, bias []F, y []F) {
	if len(x) != rows*in || len(w) != out*in || len(y) != rows*out {
		panic(fmt.Sprintf("linear: buffer sizes x=%d w=%d y=%d do not match [%d,%d]x[%d,%d]ᵀ",
			len(x), len(w), len(y), rows, in, out, in))
	}
	beta := F(0)
	if bias != nil {
		if len(bias) != out {
			panic(fmt.Sprintf("linear: bias length %d, want %d", len(bias), out))
		}
		for r := 0; r < rows; r++ {
			copy(y[r*out:(r+1)*out], bias)
		}
		beta = 1
	}
	Gemm(false, true, 1, Dense(rows, in, x), Dense(out, in, w), beta, Dense(rows, out, y))
}

// LinearBackward propagates dy through y = x·Wᵀ + b.
// It returns dx = dy·W, dw = dyᵀ·x and db = colsum(dy).
func LinearBackward[F tensor.Float](dy []F, x []F, rows, in int, w []F, out int) (dx, dw, db []F) {
	dx = make([]F, rows*in)
	dw = make([]F, out*in)
	db = make([]F, out)

	DY := Dense(rows, out, dy)
	Gemm(false, false, 1, DY, Dense(out, in, w), 0, Dense(rows, in, dx))
	Gemm(true, false, 1, DY, Dense(rows, in, x), 0, Dense(out, in, dw))
	SumRows(dy, rows, out, db)
	return dx, dw, db
}

// SumRows adds the column sums of a [rows, cols] matrix into out.
func SumRows[F tensor.Float](m []F, rows, cols int, out []F) {
	for r := 0; r < rows; r++ {
		row := m[r*cols : (r+1)*cols]
		for j, v := range row {
			out[j] += v
		}
	}
}
