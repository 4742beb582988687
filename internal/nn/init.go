package nn

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// Normal returns a tensor with values drawn from N(0, std²).
func Normal(shape tensor.Shape, std float64, dtype tensor.DataType, rng *rand.Rand) *tensor.RawTensor {
	return tensor.Randn(shape, std, dtype, tensor.CPU, rng)
}

// Uniform returns a tensor with values drawn from U(-bound, bound).
func Uniform(shape tensor.Shape, bound float64, dtype tensor.DataType, rng *rand.Rand) *tensor.RawTensor {
	data := make([]float64, shape.NumElements())
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * bound
	}
	return tensor.MustFromSlice(data, shape, dtype, tensor.CPU)
}

// InitScheme selects how projection weights are initialized.
type InitScheme int

// Initialization schemes. Both use fan_in + fan_out of the layer.
const (
	// InitNormal draws from N(0, 2/(fan_in+fan_out)).
	InitNormal InitScheme = iota
	// InitXavierUniform draws from U(±sqrt(6/(fan_in+fan_out))).
	InitXavierUniform
)

// initWeight fills a weight tensor for a layer with the given fans.
func initWeight(scheme InitScheme, shape tensor.Shape, fanIn, fanOut int, dtype tensor.DataType, rng *rand.Rand) *tensor.RawTensor {
	if scheme == InitXavierUniform {
		return Uniform(shape, math.Sqrt(6/float64(fanIn+fanOut)), dtype, rng)
	}
	return Normal(shape, math.Sqrt(2/float64(fanIn+fanOut)), dtype, rng)
}

// newRand returns rng, or a randomly seeded source when rng is nil.
func newRand(rng *rand.Rand) *rand.Rand {
	if rng != nil {
		return rng
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
