package selfattn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/fusedattn/internal/tensor"
)

func TestFusedKernel_Supports(t *testing.T) {
	k := &FusedKernel{}
	assert.True(t, k.Supports(tensor.CPU, tensor.Float16, 2048))
	assert.True(t, k.Supports(tensor.CPU, tensor.BFloat16, 1))
	assert.False(t, k.Supports(tensor.CPU, tensor.Float16, 2049))
	assert.False(t, k.Supports(tensor.CPU, tensor.Float32, 16))
	assert.False(t, k.Supports(tensor.CUDA, tensor.Float16, 16))

	full := &FusedKernel{MaxKeyLen: 8, FullPrecision: true}
	assert.True(t, full.Supports(tensor.CPU, tensor.Float64, 8))
	assert.False(t, full.Supports(tensor.CPU, tensor.Float64, 9))
	assert.False(t, full.Supports(tensor.CPU, tensor.Bool, 1))
}

func TestSelectKernel_FallsBack(t *testing.T) {
	fused := &FusedKernel{MaxKeyLen: 4}

	assert.Same(t, fused, SelectKernel(tensor.CPU, tensor.Float16, 4, fused))
	assert.Equal(t, "generic", SelectKernel(tensor.CPU, tensor.Float16, 5, fused).Name())
	assert.Equal(t, "generic", SelectKernel(tensor.CPU, tensor.Float32, 4, fused).Name())
}

func TestDefaultKernel_Environment(t *testing.T) {
	t.Setenv("FUSEDATTN_FUSED_KERNEL", "0")
	assert.Equal(t, "generic", DefaultKernel().Name())

	t.Setenv("FUSEDATTN_FUSED_KERNEL", "1")
	t.Setenv("FUSEDATTN_FUSED_MAX_KEYS", "16")
	k, ok := DefaultKernel().(*FusedKernel)
	require.True(t, ok)
	assert.Equal(t, 16, k.MaxKeyLen)
}

func TestForward_LongKeysUseGenericKernel(t *testing.T) {
	t.Setenv("FUSEDATTN_FUSED_MAX_KEYS", "4")
	backend := newTestBackend()
	f := newFixture(59, 6, 1, 4)
	x, params := f.as(tensor.Float16)

	_, ctx := Forward(backend, params, Inputs{Input: x}, Options{Heads: 2})
	assert.Equal(t, "generic", ctx.Kernel())

	_, ctx = Forward(backend, params, Inputs{Input: tensor.Cast(f.step(0), tensor.Float16)}, Options{Heads: 2})
	assert.Equal(t, "fused", ctx.Kernel())
}

func TestKernelByName(t *testing.T) {
	for _, name := range []string{"generic", "fused", "fused-full"} {
		k, err := KernelByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, k.Name())
	}

	_, err := KernelByName("flash")
	assert.ErrorIs(t, err, ErrUnknownKernel)
}

func TestKernels_SoftmaxAndBackward(t *testing.T) {
	backend := newTestBackend()
	const batch, heads, seqQ, seqK = 2, 2, 3, 5

	rng := rand.New(rand.NewPCG(61, 61))
	scores := tensor.Randn(tensor.Shape{batch * heads, seqQ, seqK}, 2, tensor.Float64, tensor.CPU, rng)
	grad := tensor.Randn(tensor.Shape{batch * heads, seqQ, seqK}, 1, tensor.Float64, tensor.CPU, rng)
	mask := CausalMask(seqQ, seqK)

	var outs []SoftmaxResult
	var dss [][]float64
	for _, k := range []Kernel{GenericKernel{}, &FusedKernel{FullPrecision: true}} {
		res := k.Forward(&SoftmaxParams{
			Backend: backend, Scores: scores, Mask: mask, Batch: batch, Heads: heads,
			Storage: tensor.Float64, Training: true, DropoutProb: 0.4, Rand: rand.New(rand.NewPCG(1, 2)),
		})
		ds := k.Backward(&SoftmaxGradParams{
			Backend: backend, Softmax: res.Softmax, Keep: res.Keep, Grad: grad,
			DropoutProb: 0.4, Storage: tensor.Float64,
		})
		outs = append(outs, res)
		dss = append(dss, ds.AsFloat64())
	}

	approx := cmpopts.EquateApprox(0, 1e-14)
	assert.Equal(t, outs[0].Keep.AsBool(), outs[1].Keep.AsBool(), "kernels must draw the same dropout mask")
	assert.Empty(t, cmp.Diff(outs[0].Softmax.AsFloat64(), outs[1].Softmax.AsFloat64(), approx))
	assert.Empty(t, cmp.Diff(outs[0].Dropout.AsFloat64(), outs[1].Dropout.AsFloat64(), approx))
	assert.Empty(t, cmp.Diff(dss[0], dss[1], approx))

	// Closed-form backward against the explicit Jacobian-vector product.
	s := outs[0].Softmax.AsFloat64()
	keep := outs[0].Keep.AsBool()
	g := grad.AsFloat64()
	for r := 0; r < batch*heads*seqQ; r++ {
		for i := 0; i < seqK; i++ {
			var want float64
			for j := 0; j < seqK; j++ {
				gj := 0.0
				if keep[r*seqK+j] {
					gj = g[r*seqK+j] / 0.6
				}
				delta := 0.0
				if i == j {
					delta = 1
				}
				want += gj * s[r*seqK+j] * (delta - s[r*seqK+i])
			}
			assert.InDelta(t, want, dss[0][r*seqK+i], 1e-12)
		}
	}

	// The scores tensor is left untouched.
	assert.False(t, math.IsInf(scores.AsFloat64()[seqK-1], -1))
}

func TestKernels_InferenceIsPassThrough(t *testing.T) {
	backend := newTestBackend()
	scores := tensor.Full(tensor.Shape{1, 2, 2}, 0, tensor.Float32, tensor.CPU)

	for _, k := range []Kernel{GenericKernel{}, &FusedKernel{FullPrecision: true}} {
		res := k.Forward(&SoftmaxParams{
			Backend: backend, Scores: scores, Batch: 1, Heads: 1,
			Storage: tensor.Float32, DropoutProb: 0.5,
		})
		assert.Nil(t, res.Keep, k.Name())
		assert.Same(t, res.Softmax, res.Dropout, k.Name())
		assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, res.Softmax.AsFloat32(), k.Name())
	}
}
