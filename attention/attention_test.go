package attention_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/born-ml/fusedattn/attention"
	"github.com/born-ml/fusedattn/backend/cpu"
	"github.com/born-ml/fusedattn/tensor"
)

func TestForwardBackward(t *testing.T) {
	backend := cpu.NewWithWorkers(2)
	rng := rand.New(rand.NewPCG(1, 2))
	const seq, batch, dim = 3, 2, 8

	params := attention.Params{
		InputWeight:  tensor.Randn(tensor.Shape{3 * dim, dim}, 0.3, tensor.Float16, tensor.CPU, rng),
		OutputWeight: tensor.Randn(tensor.Shape{dim, dim}, 0.3, tensor.Float16, tensor.CPU, rng),
		InputBias:    tensor.Zeros(tensor.Shape{3 * dim}, tensor.Float16, tensor.CPU),
		OutputBias:   tensor.Zeros(tensor.Shape{dim}, tensor.Float16, tensor.CPU),
	}
	x := tensor.Randn(tensor.Shape{seq, batch, dim}, 1, tensor.Float16, tensor.CPU, rng)

	res, ctx := attention.Forward(backend, params, attention.Inputs{Input: x, Mask: attention.CausalMask(seq, seq)},
		attention.Options{Heads: 2, Training: true, DropoutProb: 0.2})
	if !res.Output.Shape().Equal(x.Shape()) || res.Output.DType() != tensor.Float16 {
		t.Fatalf("output %v %s, want %v float16", res.Output.Shape(), res.Output.DType(), x.Shape())
	}

	grads := attention.Backward(backend, ctx, tensor.Full(x.Shape(), 1, tensor.Float16, tensor.CPU), nil)
	if !grads.InputWeight.Shape().Equal(params.InputWeight.Shape()) {
		t.Errorf("input weight grad shape %v", grads.InputWeight.Shape())
	}
}

func TestGradCheck(t *testing.T) {
	report := attention.GradCheck(cpu.New(), attention.CheckConfig{
		Seq: 3, Batch: 2, Dim: 4, Heads: 2, Rotary: true, History: 2, Seed: 7,
	})
	if failed := report.Failed(1e-5); len(failed) > 0 {
		t.Errorf("gradient check failed for %v\n%s", failed, report)
	}
}

func TestKernelByName(t *testing.T) {
	if _, err := attention.KernelByName("flash"); !errors.Is(err, attention.ErrUnknownKernel) {
		t.Errorf("KernelByName(flash) error = %v", err)
	}
}
