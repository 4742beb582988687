package selfattn

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/parallel"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// newTestBackend returns a backend that parallelizes even tiny problems so
// the fan-out paths are exercised.
func newTestBackend() *cpu.CPUBackend {
	cfg := parallel.WithWorkers(4)
	cfg.MinWork = 1
	return cpu.NewWithConfig(cfg)
}

// fixture holds float64 master copies of the attention inputs.
type fixture struct {
	seq, batch, dim int
	input           *tensor.RawTensor
	params          Params
}

func newFixture(seed uint64, seq, batch, dim int) fixture {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	randn := func(shape tensor.Shape, std float64) *tensor.RawTensor {
		return tensor.Randn(shape, std, tensor.Float64, tensor.CPU, rng)
	}
	return fixture{
		seq:   seq,
		batch: batch,
		dim:   dim,
		input: randn(tensor.Shape{seq, batch, dim}, 1),
		params: Params{
			InputWeight:  randn(tensor.Shape{3 * dim, dim}, 0.4),
			OutputWeight: randn(tensor.Shape{dim, dim}, 0.4),
			InputBias:    randn(tensor.Shape{3 * dim}, 0.1),
			OutputBias:   randn(tensor.Shape{dim}, 0.1),
		},
	}
}

// as returns the fixture stored as dtype.
func (f fixture) as(dtype tensor.DataType) (*tensor.RawTensor, Params) {
	return tensor.Cast(f.input, dtype), Params{
		InputWeight:  tensor.Cast(f.params.InputWeight, dtype),
		OutputWeight: tensor.Cast(f.params.OutputWeight, dtype),
		InputBias:    tensor.Cast(f.params.InputBias, dtype),
		OutputBias:   tensor.Cast(f.params.OutputBias, dtype),
	}
}

// step returns time step t of the input as a [1, B, D] tensor.
func (f fixture) step(t int) *tensor.RawTensor {
	n := f.batch * f.dim
	data := f.input.AsFloat64()[t*n : (t+1)*n]
	return tensor.MustFromSlice(data, tensor.Shape{1, f.batch, f.dim}, tensor.Float64, tensor.CPU)
}

func ones(shape tensor.Shape, dtype tensor.DataType) *tensor.RawTensor {
	return tensor.Full(shape, 1, dtype, tensor.CPU)
}

// normErr is the largest absolute difference relative to the largest
// reference magnitude.
func normErr(got, want []float64) float64 {
	var diff, scale float64
	for i := range want {
		diff = max(diff, math.Abs(got[i]-want[i]))
		scale = max(scale, math.Abs(want[i]))
	}
	return diff / max(scale, 1e-12)
}

func hasNaN(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return true
		}
	}
	return false
}

func gradSlices(g *Grads) map[string][]float64 {
	return map[string][]float64{
		"input":         tensor.ToFloat64Slice(g.Input),
		"input_weight":  tensor.ToFloat64Slice(g.InputWeight),
		"output_weight": tensor.ToFloat64Slice(g.OutputWeight),
		"input_bias":    tensor.ToFloat64Slice(g.InputBias),
		"output_bias":   tensor.ToFloat64Slice(g.OutputBias),
	}
}
