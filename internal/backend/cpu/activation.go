package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// Activation names an elementwise nonlinearity.
type Activation int

// Supported activations.
const (
	ReLU Activation = iota
	GELU
	SiLU
	Sigmoid
)

// String returns the activation name.
func (a Activation) String() string {
	switch a {
	case ReLU:
		return "relu"
	case GELU:
		return "gelu"
	case SiLU:
		return "silu"
	case Sigmoid:
		return "sigmoid"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// ParseActivation maps a name to an Activation. "swish" is an alias of silu.
func ParseActivation(name string) (Activation, bool) {
	switch name {
	case "relu":
		return ReLU, true
	case "gelu":
		return GELU, true
	case "silu", "swish":
		return SiLU, true
	case "sigmoid":
		return Sigmoid, true
	default:
		return 0, false
	}
}

// Apply writes act(x) into y. x and y may alias.
func Apply[F tensor.Float](act Activation, x, y []F) {
	for i, v := range x {
		y[i] = F(act.value(float64(v)))
	}
}

// ApplyGrad writes dy * act'(x) into dx, where x is the activation input.
func ApplyGrad[F tensor.Float](act Activation, x, dy, dx []F) {
	for i, v := range x {
		dx[i] = dy[i] * F(act.derivative(float64(v)))
	}
}

func (a Activation) value(x float64) float64 {
	switch a {
	case ReLU:
		return math.Max(x, 0)
	case GELU:
		// Exact form: x * Φ(x).
		return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
	case SiLU:
		return x * sigmoid(x)
	case Sigmoid:
		return sigmoid(x)
	default:
		panic(fmt.Sprintf("activation: unsupported %v", a))
	}
}

func (a Activation) derivative(x float64) float64 {
	switch a {
	case ReLU:
		if x > 0 {
			return 1
		}
		return 0
	case GELU:
		cdf := 0.5 * (1 + math.Erf(x/math.Sqrt2))
		pdf := math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
		return cdf + x*pdf
	case SiLU:
		s := sigmoid(x)
		return s * (1 + x*(1-s))
	case Sigmoid:
		s := sigmoid(x)
		return s * (1 - s)
	default:
		panic(fmt.Sprintf("activation: unsupported %v", a))
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
