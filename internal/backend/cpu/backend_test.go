package cpu

import (
	"math"
	"testing"

	"github.com/born-ml/fusedattn/internal/parallel"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// Helper to check float64 slices are equal within epsilon.
func float64SliceEqual(a, b []float64, epsilon float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > epsilon {
			return false
		}
	}
	return true
}

// naiveMatMul computes [m,k] @ [k,n] with a triple loop.
func naiveMatMul(a, b []float64, m, k, n int) []float64 {
	c := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < k; p++ {
				sum += a[i*k+p] * b[p*n+j]
			}
			c[i*n+j] = sum
		}
	}
	return c
}

func TestCPUBackend_New(t *testing.T) {
	backend := New()
	if backend == nil {
		t.Fatal("New() returned nil")
	}
	if backend.Name() != "CPU" {
		t.Errorf("Expected name 'CPU', got '%s'", backend.Name())
	}
	if backend.Device() != tensor.CPU {
		t.Errorf("Expected device CPU, got %v", backend.Device())
	}
}

func TestCPUBackend_NumThreadsFromEnv(t *testing.T) {
	t.Setenv("FUSEDATTN_NUM_THREADS", "1")
	if New().Parallel().Enabled {
		t.Error("one thread should disable parallel dispatch")
	}
}

func TestGemm_Float64(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5, 6}    // [2,3]
	b := []float64{7, 8, 9, 10, 11, 12} // [3,2]
	c := make([]float64, 4)             // [2,2]
	Gemm(false, false, 1, Dense(2, 3, a), Dense(3, 2, b), 0, Dense(2, 2, c))

	want := []float64{58, 64, 139, 154}
	if !float64SliceEqual(c, want, 1e-12) {
		t.Errorf("Gemm = %v, want %v", c, want)
	}
}

func TestGemm_Float32Transposed(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5, 6} // [2,3]
	c := make([]float32, 4)          // a·aᵀ = [2,2]
	Gemm(false, true, 1, Dense(2, 3, a), Dense(2, 3, a), 0, Dense(2, 2, c))

	want := []float32{14, 32, 32, 77}
	for i := range want {
		if c[i] != want[i] {
			t.Fatalf("Gemm(aᵀ) = %v, want %v", c, want)
		}
	}

	// aᵀ·a = [3,3], alpha scales, beta accumulates
	c2 := make([]float32, 9)
	for i := range c2 {
		c2[i] = 1
	}
	Gemm(true, false, 2, Dense(2, 3, a), Dense(2, 3, a), 1, Dense(3, 3, c2))
	if c2[0] != 2*17+1 || c2[8] != 2*45+1 {
		t.Errorf("Gemm(aᵀ·a) corners = %v, %v", c2[0], c2[8])
	}
}

func TestGemm_StridedView(t *testing.T) {
	// Buffer laid out as [S=3, B=2, D=4]; view batch 1, columns 2..3.
	buf := make([]float64, 3*2*4)
	for i := range buf {
		buf[i] = float64(i)
	}
	view := Strided(buf, 1*4+2, 3, 2, 2*4)
	if view.At(0, 0) != 6 || view.At(2, 1) != 23 {
		t.Fatalf("Strided view addressing wrong: %v %v", view.At(0, 0), view.At(2, 1))
	}

	ones := []float64{1, 1}
	out := make([]float64, 3)
	Gemm(false, false, 1, view, Dense(2, 1, ones), 0, Dense(3, 1, out))
	want := []float64{6 + 7, 14 + 15, 22 + 23}
	if !float64SliceEqual(out, want, 1e-12) {
		t.Errorf("strided Gemm = %v, want %v", out, want)
	}
}

func TestGemm_ShapeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic on shape mismatch")
		}
	}()
	Gemm(false, false, 1, Dense(2, 3, make([]float64, 6)), Dense(2, 2, make([]float64, 4)), 0, Dense(2, 2, make([]float64, 4)))
}

func TestBatchGemm_MatchesNaive(t *testing.T) {
	cfg := parallel.WithWorkers(4)
	cfg.MinWork = 1
	backend := NewWithConfig(cfg)

	const batch, m, k, n = 6, 3, 4, 5
	a := make([]float64, batch*m*k)
	b := make([]float64, batch*k*n)
	for i := range a {
		a[i] = float64(i%7) - 3
	}
	for i := range b {
		b[i] = float64(i%5) * 0.5
	}
	c := make([]float64, batch*m*n)

	BatchGemm(backend, batch, false, false, 1, 0, func(i int) (Matrix[float64], Matrix[float64], Matrix[float64]) {
		return Dense(m, k, a[i*m*k:]), Dense(k, n, b[i*k*n:]), Dense(m, n, c[i*m*n:])
	})

	for i := 0; i < batch; i++ {
		want := naiveMatMul(a[i*m*k:(i+1)*m*k], b[i*k*n:(i+1)*k*n], m, k, n)
		if !float64SliceEqual(c[i*m*n:(i+1)*m*n], want, 1e-12) {
			t.Errorf("batch %d = %v, want %v", i, c[i*m*n:(i+1)*m*n], want)
		}
	}
}

func TestLinear_AndBackward(t *testing.T) {
	x := []float64{1, 2, 3, 4}       // [2,2]
	w := []float64{1, 0, 0, 1, 1, 1} // [3,2]
	bias := []float64{0.5, -1, 2}
	y := make([]float64, 6)
	Linear(x, 2, 2, w, 3, bias, y)

	want := []float64{1.5, 1, 5, 3.5, 3, 9}
	if !float64SliceEqual(y, want, 1e-12) {
		t.Fatalf("Linear = %v, want %v", y, want)
	}

	dy := []float64{1, 1, 1, 1, 1, 1}
	dx, dw, db := LinearBackward(dy, x, 2, 2, w, 3)
	if !float64SliceEqual(dx, []float64{2, 2, 2, 2}, 1e-12) {
		t.Errorf("dx = %v", dx)
	}
	if !float64SliceEqual(dw, []float64{4, 6, 4, 6, 4, 6}, 1e-12) {
		t.Errorf("dw = %v", dw)
	}
	if !float64SliceEqual(db, []float64{2, 2, 2}, 1e-12) {
		t.Errorf("db = %v", db)
	}
}

func TestActivationGradients(t *testing.T) {
	const h = 1e-6
	xs := []float64{-2, -0.3, 0.4, 1.7}

	for _, act := range []Activation{ReLU, GELU, SiLU, Sigmoid} {
		t.Run(act.String(), func(t *testing.T) {
			dy := []float64{1, 1, 1, 1}
			dx := make([]float64, len(xs))
			ApplyGrad(act, xs, dy, dx)

			for i, x := range xs {
				numeric := (act.value(x+h) - act.value(x-h)) / (2 * h)
				if math.Abs(numeric-dx[i]) > 1e-5 {
					t.Errorf("%s'(%v) = %v, numerical %v", act, x, dx[i], numeric)
				}
			}
		})
	}
}

func TestParseActivation(t *testing.T) {
	if act, ok := ParseActivation("swish"); !ok || act != SiLU {
		t.Errorf("swish should alias silu, got %v %v", act, ok)
	}
	if _, ok := ParseActivation("tanh"); ok {
		t.Error("tanh is not supported")
	}
}

func BenchmarkGemm_Float32(b *testing.B) {
	const n = 128
	a := make([]float32, n*n)
	c := make([]float32, n*n)
	for i := range a {
		a[i] = float32(i%13) * 0.1
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Gemm(false, true, 1, Dense(n, n, a), Dense(n, n, a), 0, Dense(n, n, c))
	}
}
