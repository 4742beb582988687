package tensor

import (
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Floats returns a zero-copy typed view of r's storage.
// Panics if r is not stored in the compute type F.
func Floats[F Float](r *RawTensor) []F {
	want := dataTypeOf[F]()
	if r.dtype != want {
		panic(fmt.Sprintf("tensor dtype is %s, not %s", r.dtype, want))
	}
	if want == Float64 {
		return any(r.AsFloat64()).([]F)
	}
	return any(r.AsFloat32()).([]F)
}

// ToCompute returns r if it is already stored in its compute type, otherwise
// a float32 copy of it. Bool tensors are rejected.
func ToCompute(r *RawTensor) *RawTensor {
	switch r.dtype {
	case Float32, Float64:
		return r
	case Float16, BFloat16:
		out := MustNewRaw(r.shape, Float32, r.device)
		copy(out.AsFloat32(), ToFloat32Slice(r))
		return out
	default:
		panic(fmt.Sprintf("ToCompute: unsupported dtype %s", r.dtype))
	}
}

// ToFloat32Slice decodes any float tensor into a fresh []float32.
func ToFloat32Slice(r *RawTensor) []float32 {
	out := make([]float32, r.NumElements())
	switch r.dtype {
	case Float32:
		copy(out, r.AsFloat32())
	case Float64:
		for i, v := range r.AsFloat64() {
			out[i] = float32(v)
		}
	case Float16:
		for i, v := range r.AsFloat16() {
			out[i] = v.Float32()
		}
	case BFloat16:
		copy(out, bfloat16.DecodeFloat32(r.data))
	default:
		panic(fmt.Sprintf("ToFloat32Slice: unsupported dtype %s", r.dtype))
	}
	return out
}

// ToFloat64Slice decodes any float tensor into a fresh []float64.
func ToFloat64Slice(r *RawTensor) []float64 {
	out := make([]float64, r.NumElements())
	if r.dtype == Float64 {
		copy(out, r.AsFloat64())
		return out
	}
	for i, v := range ToFloat32Slice(r) {
		out[i] = float64(v)
	}
	return out
}

// FromSlice encodes compute values into a new tensor stored as dtype.
func FromSlice[F Float](data []F, shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	out, err := NewRaw(shape, dtype, device)
	if err != nil {
		return nil, err
	}
	store(out, data)
	return out, nil
}

// MustFromSlice is FromSlice that panics on a shape/length mismatch.
func MustFromSlice[F Float](data []F, shape Shape, dtype DataType, device Device) *RawTensor {
	out, err := FromSlice(data, shape, dtype, device)
	if err != nil {
		panic(err)
	}
	return out
}

// store writes compute values into out, rounding to out's precision.
func store[F Float](out *RawTensor, data []F) {
	switch out.dtype {
	case Float32:
		dst := out.AsFloat32()
		for i, v := range data {
			dst[i] = float32(v)
		}
	case Float64:
		dst := out.AsFloat64()
		for i, v := range data {
			dst[i] = float64(v)
		}
	case Float16:
		dst := out.AsFloat16()
		for i, v := range data {
			dst[i] = float16.Fromfloat32(float32(v))
		}
	case BFloat16:
		f32 := make([]float32, len(data))
		for i, v := range data {
			f32[i] = roundBFloat16(float32(v))
		}
		copy(out.data, bfloat16.EncodeFloat32(f32))
	default:
		panic(fmt.Sprintf("store: unsupported dtype %s", out.dtype))
	}
}

// Cast converts r to dtype. Returns r itself when no conversion is needed.
func Cast(r *RawTensor, dtype DataType) *RawTensor {
	if r.dtype == dtype {
		return r
	}
	out := MustNewRaw(r.shape, dtype, r.device)
	if r.dtype == Float64 {
		store(out, r.AsFloat64())
	} else {
		store(out, ToFloat32Slice(r))
	}
	return out
}

// Round rounds compute values in place to the precision of dtype.
// It is a no-op for float32 and float64.
func Round[F Float](dtype DataType, xs []F) {
	switch dtype {
	case Float16:
		for i, v := range xs {
			xs[i] = F(float16.Fromfloat32(float32(v)).Float32())
		}
	case BFloat16:
		f32 := make([]float32, len(xs))
		for i, v := range xs {
			f32[i] = roundBFloat16(float32(v))
		}
		for i, v := range bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(f32)) {
			xs[i] = F(v)
		}
	}
}

// roundBFloat16 rounds f to the nearest bfloat16 value, ties to even.
// EncodeFloat32 keeps the high half of the bits, so callers round first.
func roundBFloat16(f float32) float32 {
	if f != f {
		return f
	}
	b := math.Float32bits(f)
	b += 0x7FFF + (b>>16)&1
	return math.Float32frombits(b &^ 0xFFFF)
}
