package selfattn

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// CheckConfig describes a finite-difference gradient check of Forward and
// Backward in float64.
type CheckConfig struct {
	Seq, Batch, Dim, Heads int

	// History is the number of cached steps before the checked call. Zero
	// checks a plain, non-incremental call.
	History int

	Rotary   bool
	UseMask  bool
	MaskKind MaskKind

	// DropoutProb > 0 runs in training mode with a fixed dropout mask.
	DropoutProb float64

	// WeightsLoss adds a term on the exposed attention weights to the loss so
	// their gradient path is checked too.
	WeightsLoss bool

	Kernel Kernel
	Step   float64 // central difference step; 0 means 1e-6
	Seed   uint64
}

// GradResult compares one gradient tensor.
type GradResult struct {
	Name      string
	Analytic  []float64
	Numeric   []float64
	MaxRelErr float64
}

// Report collects the results of a gradient check.
type Report struct {
	Kernel  string
	Results []GradResult
}

// MaxRelErr returns the worst relative error over all tensors.
func (r Report) MaxRelErr() float64 {
	var worst float64
	for _, res := range r.Results {
		worst = max(worst, res.MaxRelErr)
	}
	return worst
}

// Failed returns the names of tensors whose error exceeds tol.
func (r Report) Failed(tol float64) []string {
	var names []string
	for _, res := range r.Results {
		if !(res.MaxRelErr <= tol) {
			names = append(names, res.Name)
		}
	}
	return names
}

// String formats the report as one line per tensor.
func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "kernel %s\n", r.Kernel)
	for _, res := range r.Results {
		fmt.Fprintf(&sb, "  %-14s %d values  max rel err %.3e\n", res.Name, len(res.Analytic), res.MaxRelErr)
	}
	return sb.String()
}

// relErr is |a-n| relative to the larger magnitude, measured absolutely for
// magnitudes below one.
func relErr(a, n float64) float64 {
	return math.Abs(a-n) / max(1, math.Abs(a), math.Abs(n))
}

// GradCheck compares Backward against central differences of the scalar loss
// Σ w⊙output (plus Σ u⊙weights when WeightsLoss is set) with random w and u.
func GradCheck(backend *cpu.CPUBackend, cfg CheckConfig) Report {
	if cfg.Step == 0 {
		cfg.Step = 1e-6
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed))
	s, b, d := cfg.Seq, cfg.Batch, cfg.Dim
	seqK := s + cfg.History
	randn := func(shape tensor.Shape, std float64) *tensor.RawTensor {
		return tensor.Randn(shape, std, tensor.Float64, tensor.CPU, rng)
	}

	x := randn(tensor.Shape{s, b, d}, 1)
	params := Params{
		InputWeight:  randn(tensor.Shape{3 * d, d}, 0.5),
		OutputWeight: randn(tensor.Shape{d, d}, 0.5),
		InputBias:    randn(tensor.Shape{3 * d}, 0.1),
		OutputBias:   randn(tensor.Shape{d}, 0.1),
	}
	lossOut := randn(tensor.Shape{s, b, d}, 1)
	var lossWeights *tensor.RawTensor
	if cfg.WeightsLoss {
		lossWeights = randn(tensor.Shape{b * cfg.Heads, s, seqK}, 1)
	}

	var history *Cache
	if cfg.History > 0 {
		history = NewCache()
		history.Append(randn(tensor.Shape{cfg.History, b, d}, 1), randn(tensor.Shape{cfg.History, b, d}, 1))
	}

	in := Inputs{Input: x}
	if cfg.UseMask {
		in.Mask = checkMask(cfg.MaskKind, b, s, seqK)
	}

	opts := Options{
		Training:      cfg.DropoutProb > 0,
		Heads:         cfg.Heads,
		DropoutProb:   cfg.DropoutProb,
		ExposeWeights: cfg.WeightsLoss,
		Kernel:        cfg.Kernel,
	}
	if cfg.Rotary {
		opts.UseRotary = true
		opts.Rotary = NewRotaryTables(seqK, d/cfg.Heads, 0, tensor.Float64)
	}

	run := func() (*Result, *Context) {
		o := opts
		o.Rand = rand.New(rand.NewPCG(cfg.Seed, 1))
		if history != nil {
			o.Cache = history.Clone()
		}
		return Forward(backend, params, in, o)
	}
	loss := func() float64 {
		res, _ := run()
		total := dot(res.Output, lossOut)
		if lossWeights != nil {
			total += dot(res.AttentionWeights, lossWeights)
		}
		return total
	}

	_, ctx := run()
	grads := Backward(backend, ctx, lossOut, lossWeights)
	report := Report{Kernel: ctx.Kernel()}

	for _, item := range []struct {
		name     string
		value    *tensor.RawTensor
		analytic *tensor.RawTensor
	}{
		{"input", x, grads.Input},
		{"input_weight", params.InputWeight, grads.InputWeight},
		{"output_weight", params.OutputWeight, grads.OutputWeight},
		{"input_bias", params.InputBias, grads.InputBias},
		{"output_bias", params.OutputBias, grads.OutputBias},
	} {
		res := GradResult{
			Name:     item.name,
			Analytic: tensor.ToFloat64Slice(item.analytic),
			Numeric:  make([]float64, item.value.NumElements()),
		}
		data := item.value.AsFloat64()
		for i := range data {
			orig := data[i]
			data[i] = orig + cfg.Step
			plus := loss()
			data[i] = orig - cfg.Step
			minus := loss()
			data[i] = orig

			res.Numeric[i] = (plus - minus) / (2 * cfg.Step)
			res.MaxRelErr = max(res.MaxRelErr, relErr(res.Analytic[i], res.Numeric[i]))
		}
		report.Results = append(report.Results, res)
	}
	return report
}

// checkMask builds a mask that leaves every row with at least one key.
func checkMask(kind MaskKind, batch, seqQ, seqK int) *Mask {
	if kind == TimeMask {
		return CausalMask(seqQ, seqK)
	}
	data := make([]bool, batch*seqK)
	for b := 0; b < batch; b++ {
		// Pad the last b keys of batch element b.
		for j := max(1, seqK-b); j < seqK; j++ {
			data[b*seqK+j] = true
		}
	}
	return NewKeyPaddingMask(tensor.Bools(data, tensor.Shape{batch, seqK}, tensor.CPU))
}

func dot(a, b *tensor.RawTensor) float64 {
	x, y := tensor.ToFloat64Slice(a), tensor.ToFloat64Slice(b)
	var sum float64
	for i := range x {
		sum += x[i] * y[i]
	}
	return sum
}
