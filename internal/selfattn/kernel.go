package selfattn

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/envconfig"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// ErrUnknownKernel is returned by KernelByName for names no kernel answers to.
var ErrUnknownKernel = errors.New("unknown attention kernel")

// DefaultFusedMaxKeys is the longest key sequence the fused kernel handles
// unless configured otherwise.
const DefaultFusedMaxKeys = 2048

// Kernel runs the mask, softmax and dropout stage of attention and its
// backward pass over scores of shape [B*H, Sq, Sk].
//
// Implementations must be interchangeable: the same inputs and random source
// give the same dropout mask and outputs equal within floating point
// tolerance, and Backward accepts results produced by any kernel.
type Kernel interface {
	// Name identifies the kernel in logs and saved contexts.
	Name() string
	// Supports reports whether the kernel can run for the given device,
	// storage type and key length.
	Supports(device tensor.Device, dtype tensor.DataType, keyLen int) bool
	// Forward masks, normalizes and drops out p.Scores.
	Forward(p *SoftmaxParams) SoftmaxResult
	// Backward turns the gradient of the dropout output into the gradient of
	// the scores.
	Backward(p *SoftmaxGradParams) *tensor.RawTensor
}

// SoftmaxParams are the inputs of Kernel.Forward.
type SoftmaxParams struct {
	Backend *cpu.CPUBackend
	Scores  *tensor.RawTensor // [B*H, Sq, Sk] in the compute type
	Mask    *Mask             // may be nil
	Batch   int
	Heads   int
	Storage tensor.DataType // precision every output is rounded to

	Training    bool
	DropoutProb float64
	Rand        *rand.Rand
}

// SoftmaxResult holds the outputs of Kernel.Forward.
type SoftmaxResult struct {
	Softmax *tensor.RawTensor
	Dropout *tensor.RawTensor // same tensor as Softmax when dropout is inactive
	Keep    *tensor.RawTensor // bool dropout mask; nil when dropout is inactive
}

// SoftmaxGradParams are the inputs of Kernel.Backward.
type SoftmaxGradParams struct {
	Backend     *cpu.CPUBackend
	Softmax     *tensor.RawTensor
	Keep        *tensor.RawTensor // may be nil
	Grad        *tensor.RawTensor // gradient of the dropout output
	DropoutProb float64
	Storage     tensor.DataType
}

// rowShape returns the number of softmax rows and their length.
func rowShape(scores *tensor.RawTensor) (rows, cols int) {
	shape := scores.Shape()
	if len(shape) != 3 {
		panic(fmt.Sprintf("selfattn: scores must be [B*H, Sq, Sk], got %v", shape))
	}
	return shape[0] * shape[1], shape[2]
}

// dropoutActive reports whether dropout changes anything. Inference is a
// strict pass-through.
func (p *SoftmaxParams) dropoutActive() bool {
	return p.Training && p.DropoutProb > 0
}

// drawKeep draws the dropout mask for n elements in row-major order. It runs
// on the calling goroutine before any parallel work so that every kernel
// consumes the random source identically.
func drawKeep(rng *rand.Rand, n int, prob float64) *tensor.RawTensor {
	keep := tensor.MustNewRaw(tensor.Shape{n}, tensor.Bool, tensor.CPU)
	data := keep.AsBool()
	for i := range data {
		data[i] = rng.Float64() >= prob
	}
	return keep
}

// negInf returns -Inf in F.
func negInf[F tensor.Float]() F {
	return F(math.Inf(-1))
}

func exp[F tensor.Float](x F) F {
	return F(math.Exp(float64(x)))
}

// SelectKernel returns preferred if it supports the configuration and the
// generic kernel otherwise. A nil preferred kernel means DefaultKernel.
func SelectKernel(device tensor.Device, dtype tensor.DataType, keyLen int, preferred Kernel) Kernel {
	if preferred == nil {
		preferred = DefaultKernel()
	}
	if preferred.Supports(device, dtype, keyLen) {
		return preferred
	}
	slog.Debug("attention kernel falling back", "kernel", preferred.Name(),
		"device", device, "dtype", dtype, "keys", keyLen)
	return GenericKernel{}
}

// DefaultKernel returns the kernel selected by the environment: the fused
// kernel unless FUSEDATTN_FUSED_KERNEL is false.
func DefaultKernel() Kernel {
	if envconfig.FusedKernel(true) {
		return &FusedKernel{MaxKeyLen: int(envconfig.FusedMaxKeys())}
	}
	return GenericKernel{}
}

// KernelByName returns the kernel called name. "fused-full" is the fused
// kernel with float32/float64 support enabled.
func KernelByName(name string) (Kernel, error) {
	switch name {
	case "generic":
		return GenericKernel{}, nil
	case "fused":
		return &FusedKernel{MaxKeyLen: int(envconfig.FusedMaxKeys())}, nil
	case "fused-full":
		return &FusedKernel{MaxKeyLen: int(envconfig.FusedMaxKeys()), FullPrecision: true}, nil
	default:
		return nil, fmt.Errorf("kernel %q: %w", name, ErrUnknownKernel)
	}
}
