// Package tensor provides the raw tensor storage, shapes and precision helpers
// shared by the attention core and the modules built on top of it.
package tensor

// Float is a constraint for the arithmetic types kernels compute in.
// Reduced-precision storage types compute in float32.
type Float interface {
	~float32 | ~float64
}

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float64
	Float16
	BFloat16
	Bool
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float64:
		return 8
	case Float32:
		return 4
	case Float16, BFloat16:
		return 2
	case Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// IsFloat reports whether the type holds floating point values.
func (dt DataType) IsFloat() bool {
	return dt != Bool
}

// IsReduced reports whether the type is a 16-bit floating point format.
func (dt DataType) IsReduced() bool {
	return dt == Float16 || dt == BFloat16
}

// Compute returns the type arithmetic is carried out in for values stored as dt.
// float64 stays float64; every other float type computes in float32.
func (dt DataType) Compute() DataType {
	if dt == Float64 {
		return Float64
	}
	return Float32
}

// ParseDataType maps a name such as "float16" or "bf16" to a DataType.
func ParseDataType(name string) (DataType, bool) {
	switch name {
	case "float32", "f32", "fp32":
		return Float32, true
	case "float64", "f64", "fp64":
		return Float64, true
	case "float16", "f16", "fp16", "half":
		return Float16, true
	case "bfloat16", "bf16":
		return BFloat16, true
	case "bool":
		return Bool, true
	default:
		return 0, false
	}
}

// dataTypeOf infers the DataType of a compute type F.
func dataTypeOf[F Float]() DataType {
	var dummy F
	switch any(dummy).(type) {
	case float64:
		return Float64
	default:
		return Float32
	}
}
