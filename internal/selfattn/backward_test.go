package selfattn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/fusedattn/internal/tensor"
)

func TestGradCheck(t *testing.T) {
	backend := newTestBackend()
	fullPrecision := &FusedKernel{FullPrecision: true}

	tests := []struct {
		name string
		cfg  CheckConfig
	}{
		{"plain", CheckConfig{Seq: 3, Batch: 2, Dim: 8, Heads: 2}},
		{"rotary", CheckConfig{Seq: 4, Batch: 2, Dim: 8, Heads: 2, Rotary: true}},
		{"time mask", CheckConfig{Seq: 4, Batch: 1, Dim: 4, Heads: 1, UseMask: true, MaskKind: TimeMask}},
		{"key padding", CheckConfig{Seq: 3, Batch: 3, Dim: 4, Heads: 2, UseMask: true, MaskKind: KeyPaddingMask}},
		{"dropout", CheckConfig{Seq: 3, Batch: 2, Dim: 4, Heads: 2, DropoutProb: 0.3, Seed: 4}},
		{"weights gradient", CheckConfig{Seq: 3, Batch: 2, Dim: 4, Heads: 2, WeightsLoss: true}},
		{"incremental", CheckConfig{Seq: 1, Batch: 2, Dim: 8, Heads: 2, History: 3}},
		{"incremental rotary", CheckConfig{Seq: 2, Batch: 1, Dim: 8, Heads: 2, History: 2, Rotary: true,
			UseMask: true, MaskKind: TimeMask}},
		{"fused kernel", CheckConfig{Seq: 3, Batch: 2, Dim: 8, Heads: 2, Rotary: true, DropoutProb: 0.2,
			Kernel: fullPrecision}},
		{"generic kernel", CheckConfig{Seq: 3, Batch: 2, Dim: 8, Heads: 2, Rotary: true, DropoutProb: 0.2,
			Kernel: GenericKernel{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := GradCheck(backend, tt.cfg)

			require.Len(t, report.Results, 5)
			if tt.cfg.Kernel != nil {
				assert.Equal(t, tt.cfg.Kernel.Name(), report.Kernel)
			}
			assert.Empty(t, report.Failed(1e-5), "\n%s", report)
		})
	}
}

func TestRotaryBackwardIsAdjoint(t *testing.T) {
	// <rotate(x), g> must equal <x, rotateBackward(g)> for every x and g.
	const rows, batch, heads, headDim = 3, 2, 2, 6
	n := rows * batch * heads * headDim
	tables := NewRotaryTables(rows+2, headDim, 0, tensor.Float64)
	cos, sin := tables.Cos.AsFloat64(), tables.Sin.AsFloat64()

	f := newFixture(41, rows, batch, heads*headDim)
	x := f.input.AsFloat64()
	g := make([]float64, n)
	for i := range g {
		g[i] = float64(i%5) - 2
	}

	y := make([]float64, n)
	rotate(y, x, flatLayout(batch, heads*headDim, headDim), rows, batch, heads, headDim, 2, cos, sin)
	dx := append([]float64(nil), g...)
	rotateBackward(dx, rows, batch, heads, headDim, 2, cos, sin)

	var lhs, rhs float64
	for i := range y {
		lhs += y[i] * g[i]
		rhs += x[i] * dx[i]
	}
	assert.InDelta(t, lhs, rhs, 1e-12)
}

func TestRotaryAtPositionZeroIsIdentity(t *testing.T) {
	tables := NewRotaryTables(1, 4, 0, tensor.Float64)
	x := []float64{1, 2, 3, 4}
	y := make([]float64, 4)
	rotate(y, x, flatLayout(1, 4, 4), 1, 1, 1, 4, 0, tables.Cos.AsFloat64(), tables.Sin.AsFloat64())
	assert.Equal(t, x, y)
}

func TestBackward_ContextIsSingleUse(t *testing.T) {
	backend := newTestBackend()
	f := newFixture(43, 2, 1, 4)

	_, ctx := Forward(backend, f.params, Inputs{Input: f.input}, Options{Heads: 2})
	dOut := ones(tensor.Shape{2, 1, 4}, tensor.Float64)

	require.NotPanics(t, func() { Backward(backend, ctx, dOut, nil) })
	assert.True(t, ctx.Spent())
	assert.Panics(t, func() { Backward(backend, ctx, dOut, nil) })
}

func TestBackward_ShapeMismatchPanics(t *testing.T) {
	backend := newTestBackend()
	f := newFixture(47, 2, 1, 4)

	_, ctx := Forward(backend, f.params, Inputs{Input: f.input}, Options{Heads: 2})
	assert.Panics(t, func() {
		Backward(backend, ctx, ones(tensor.Shape{2, 1, 8}, tensor.Float64), nil)
	})

	_, ctx = Forward(backend, f.params, Inputs{Input: f.input}, Options{Heads: 2})
	assert.Panics(t, func() {
		Backward(backend, ctx, ones(tensor.Shape{2, 1, 4}, tensor.Float64), ones(tensor.Shape{2, 2, 3}, tensor.Float64))
	})

	assert.Panics(t, func() { Backward(backend, nil, nil, nil) })
}

func TestBackward_GradientShapes(t *testing.T) {
	backend := newTestBackend()
	f := newFixture(53, 3, 2, 8)
	x, params := f.as(tensor.Float32)

	_, ctx := Forward(backend, params, Inputs{Input: x}, Options{Heads: 4})
	grads := Backward(backend, ctx, ones(tensor.Shape{3, 2, 8}, tensor.Float32), nil)

	assert.Equal(t, tensor.Shape{3, 2, 8}, grads.Input.Shape())
	assert.Equal(t, tensor.Shape{24, 8}, grads.InputWeight.Shape())
	assert.Equal(t, tensor.Shape{8, 8}, grads.OutputWeight.Shape())
	assert.Equal(t, tensor.Shape{24}, grads.InputBias.Shape())
	assert.Equal(t, tensor.Shape{8}, grads.OutputBias.Shape())
	assert.Equal(t, tensor.Float32, grads.Input.DType())

	// d(sum out)/d(output bias) is the number of rows.
	for _, v := range grads.OutputBias.AsFloat32() {
		assert.Equal(t, float32(6), v)
	}
}
