// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public tensor types used by the attention API.
//
// Tensors are dense, row-major buffers tagged with a storage type. Reduced
// precision types (float16, bfloat16) are stored as 16-bit words and decoded
// to float32 for arithmetic; float64 is computed in float64.
//
// Example:
//
//	rng := rand.New(rand.NewPCG(1, 2))
//	x := tensor.Randn(tensor.Shape{4, 2, 8}, 1.0, tensor.Float16, tensor.CPU, rng)
//	values := tensor.ToFloat32Slice(x)
package tensor

import (
	"math/rand/v2"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// DataType represents the storage type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32  DataType = tensor.Float32
	Float64  DataType = tensor.Float64
	Float16  DataType = tensor.Float16
	BFloat16 DataType = tensor.BFloat16
	Bool     DataType = tensor.Bool
)

// Device represents the device where tensor data resides.
type Device = tensor.Device

// CPU is the host device.
const CPU Device = tensor.CPU

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3, 4} represents a 3D tensor with dimensions 2×3×4.
type Shape = tensor.Shape

// RawTensor is a dense tensor buffer with a shape and storage type.
type RawTensor = tensor.RawTensor

// Backend identifies the compute substrate tensors are processed on.
type Backend = tensor.Backend

// Float is the set of compute types: float32 and float64.
type Float = tensor.Float

// ParseDataType parses names such as "fp16", "bfloat16" or "float64".
func ParseDataType(name string) (DataType, bool) {
	return tensor.ParseDataType(name)
}

// NewRaw creates a zero-filled tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape Shape, dtype DataType, device Device) *RawTensor {
	return tensor.Zeros(shape, dtype, device)
}

// Full creates a tensor filled with value, rounded to dtype.
func Full(shape Shape, value float64, dtype DataType, device Device) *RawTensor {
	return tensor.Full(shape, value, dtype, device)
}

// Randn creates a tensor with values drawn from N(0, std²).
func Randn(shape Shape, std float64, dtype DataType, device Device, rng *rand.Rand) *RawTensor {
	return tensor.Randn(shape, std, dtype, device, rng)
}

// Bools creates a boolean tensor, used for attention masks.
func Bools(data []bool, shape Shape, device Device) *RawTensor {
	return tensor.Bools(data, shape, device)
}

// FromSlice encodes data into a new tensor stored as dtype.
//
// Example:
//
//	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, tensor.Float16, tensor.CPU)
func FromSlice[F Float](data []F, shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.FromSlice(data, shape, dtype, device)
}

// MustFromSlice is FromSlice that panics on a shape/length mismatch.
func MustFromSlice[F Float](data []F, shape Shape, dtype DataType, device Device) *RawTensor {
	return tensor.MustFromSlice(data, shape, dtype, device)
}

// Cast converts a tensor to dtype. It returns r itself when no conversion is
// needed.
func Cast(r *RawTensor, dtype DataType) *RawTensor {
	return tensor.Cast(r, dtype)
}

// ToFloat32Slice decodes a floating point tensor into a new float32 slice.
func ToFloat32Slice(r *RawTensor) []float32 {
	return tensor.ToFloat32Slice(r)
}

// ToFloat64Slice decodes a floating point tensor into a new float64 slice.
func ToFloat64Slice(r *RawTensor) []float64 {
	return tensor.ToFloat64Slice(r)
}
