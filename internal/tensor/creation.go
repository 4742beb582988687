package tensor

import (
	"math/rand/v2"
)

// Zeros creates a tensor filled with zeros.
//
// Example:
//
//	t := tensor.Zeros(tensor.Shape{3, 4}, tensor.Float32, tensor.CPU)
func Zeros(shape Shape, dtype DataType, device Device) *RawTensor {
	return MustNewRaw(shape, dtype, device)
}

// Full creates a float tensor filled with value.
func Full(shape Shape, value float64, dtype DataType, device Device) *RawTensor {
	data := make([]float64, shape.NumElements())
	for i := range data {
		data[i] = value
	}
	return MustFromSlice(data, shape, dtype, device)
}

// Randn creates a tensor with values drawn from N(0, std²) using rng.
// The values are generated in float64 and rounded to dtype, so the same seed
// yields the same logical values for every precision.
//
// Example:
//
//	rng := rand.New(rand.NewPCG(1, 2))
//	x := tensor.Randn(tensor.Shape{4, 2, 8}, 1.0, tensor.Float64, tensor.CPU, rng)
func Randn(shape Shape, std float64, dtype DataType, device Device, rng *rand.Rand) *RawTensor {
	data := make([]float64, shape.NumElements())
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return MustFromSlice(data, shape, dtype, device)
}

// Bools creates a bool tensor from data.
func Bools(data []bool, shape Shape, device Device) *RawTensor {
	if shape.NumElements() != len(data) {
		panic("Bools: data length does not match shape")
	}
	out := MustNewRaw(shape, Bool, device)
	copy(out.AsBool(), data)
	return out
}
