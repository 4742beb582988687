package selfattn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// Params are the projection parameters. They are read, never written.
type Params struct {
	InputWeight  *tensor.RawTensor // [3D, D], rows interleaved as [H, 3, hd]
	OutputWeight *tensor.RawTensor // [D, D]
	InputBias    *tensor.RawTensor // [3D]
	OutputBias   *tensor.RawTensor // [D]
}

// Inputs are the per-call activations.
type Inputs struct {
	Input *tensor.RawTensor // [S, B, D]
	Mask  *Mask             // optional
}

// Options configure one Forward call.
type Options struct {
	Training    bool
	Heads       int
	DropoutProb float64

	// UseRotary applies rotary position encoding with the tables in Rotary.
	UseRotary bool
	Rotary    *RotaryTables

	// Cache, when set, makes the call incremental: the new keys and values
	// are appended to it and attention runs over the whole history.
	Cache *Cache

	// ExposeWeights returns the post-dropout attention weights.
	ExposeWeights bool

	// Kernel is the preferred softmax kernel; nil means DefaultKernel. It is
	// replaced by the generic kernel when it does not support the call.
	Kernel Kernel

	// Rand drives dropout. A nil Rand draws a fresh seed per call.
	Rand *rand.Rand
}

// Result is the output of Forward.
type Result struct {
	Output           *tensor.RawTensor // [S, B, D]
	AttentionWeights *tensor.RawTensor // [B*H, Sq, Sk]; nil unless requested
}

// Forward runs fused self-attention and returns its output together with the
// Context that Backward consumes.
//
// Computation happens in float64 for float64 inputs and in float32 otherwise;
// for float16 and bfloat16 inputs every intermediate is rounded to the storage
// precision, while softmax itself runs in float32.
//
// Panics on precondition violations: D not divisible by Heads, malformed
// masks, rotary encoding without tables, parameters that do not match the
// input, or a cache filled from another storage dtype.
func Forward(backend *cpu.CPUBackend, params Params, in Inputs, opts Options) (*Result, *Context) {
	validate(params, in, opts)
	if in.Input.DType().Compute() == tensor.Float64 {
		return forward[float64](backend, params, in, opts)
	}
	return forward[float32](backend, params, in, opts)
}

func validate(params Params, in Inputs, opts Options) {
	if in.Input == nil {
		panic("selfattn: nil input")
	}
	shape := in.Input.Shape()
	if len(shape) != 3 {
		panic(fmt.Sprintf("selfattn: input must be [S, B, D], got %v", shape))
	}
	dtype := in.Input.DType()
	if !dtype.IsFloat() {
		panic(fmt.Sprintf("selfattn: input must be floating point, got %s", dtype))
	}
	seqQ, batch, dim := shape[0], shape[1], shape[2]
	if opts.Heads <= 0 || dim%opts.Heads != 0 {
		panic(fmt.Sprintf("selfattn: model dim %d is not divisible by %d heads", dim, opts.Heads))
	}

	for _, p := range []struct {
		name string
		t    *tensor.RawTensor
		want tensor.Shape
	}{
		{"input weight", params.InputWeight, tensor.Shape{3 * dim, dim}},
		{"output weight", params.OutputWeight, tensor.Shape{dim, dim}},
		{"input bias", params.InputBias, tensor.Shape{3 * dim}},
		{"output bias", params.OutputBias, tensor.Shape{dim}},
	} {
		if p.t == nil {
			panic("selfattn: missing " + p.name)
		}
		p.t.Shape().MustMatch("selfattn: "+p.name, p.want)
		if p.t.DType() != dtype {
			panic(fmt.Sprintf("selfattn: %s is %s, input is %s", p.name, p.t.DType(), dtype))
		}
	}

	if opts.DropoutProb < 0 || opts.DropoutProb >= 1 {
		panic(fmt.Sprintf("selfattn: dropout probability %v outside [0, 1)", opts.DropoutProb))
	}

	seqK := seqQ
	if opts.Cache != nil {
		opts.Cache.checkStorage(dtype)
		seqK += opts.Cache.Len()
	}
	if in.Mask != nil {
		in.Mask.validate(batch, seqQ, seqK)
	}
	if opts.UseRotary {
		opts.Rotary.validate(dim/opts.Heads, seqK)
	}
}

func forward[F tensor.Float](backend *cpu.CPUBackend, params Params, in Inputs, opts Options) (*Result, *Context) {
	storage := in.Input.DType()
	compute := storage.Compute()
	shape := in.Input.Shape()
	seqQ, batch, dim := shape[0], shape[1], shape[2]
	heads := opts.Heads
	headDim := dim / heads
	rows := seqQ * batch

	ctx := &Context{
		storage:      storage,
		compute:      compute,
		seqQ:         seqQ,
		seqK:         seqQ,
		batch:        batch,
		dim:          dim,
		heads:        heads,
		headDim:      headDim,
		scale:        1 / math.Sqrt(float64(headDim)),
		input:        tensor.Cast(in.Input, compute),
		inputWeight:  tensor.Cast(params.InputWeight, compute),
		outputWeight: tensor.Cast(params.OutputWeight, compute),
	}
	if opts.Training {
		ctx.dropoutProb = opts.DropoutProb
	}

	// Joint QKV projection.
	ctx.qkv = tensor.Zeros(tensor.Shape{seqQ, batch, 3 * dim}, compute, tensor.CPU)
	qkv := tensor.Floats[F](ctx.qkv)
	cpu.Linear(tensor.Floats[F](ctx.input), rows, dim,
		tensor.Floats[F](ctx.inputWeight), 3*dim,
		tensor.Floats[F](tensor.Cast(params.InputBias, compute)), qkv)
	tensor.Round(storage, qkv)

	qBuf, qL := qkv, qkvLayout(0, batch, dim, headDim)
	kBuf, kL := qkv, qkvLayout(1, batch, dim, headDim)
	vBuf, vL := qkv, qkvLayout(2, batch, dim, headDim)
	flat := flatLayout(batch, dim, headDim)

	// Incremental extension: keys are cached before rotation.
	if opts.Cache != nil {
		kNew := gather(qkv, kL, seqQ, batch, heads, headDim, compute)
		vNew := gather(qkv, vL, seqQ, batch, heads, headDim, compute)
		ctx.keys, ctx.values = opts.Cache.appendAs(storage, kNew, vNew)
		ctx.seqK = ctx.keys.Shape()[0]
		ctx.incremental = true
		kBuf, kL = tensor.Floats[F](ctx.keys), flat
		vBuf, vL = tensor.Floats[F](ctx.values), flat
	}
	seqK := ctx.seqK

	// Rotary position encoding into fresh buffers. Queries sit at the end of
	// the key sequence.
	if opts.UseRotary {
		ctx.rotaryCos = tensor.Cast(opts.Rotary.Cos, compute)
		ctx.rotarySin = tensor.Cast(opts.Rotary.Sin, compute)
		cos, sin := tensor.Floats[F](ctx.rotaryCos), tensor.Floats[F](ctx.rotarySin)

		ctx.queries = tensor.Zeros(tensor.Shape{seqQ, batch, dim}, compute, tensor.CPU)
		rq := tensor.Floats[F](ctx.queries)
		rotate(rq, qBuf, qL, seqQ, batch, heads, headDim, seqK-seqQ, cos, sin)
		tensor.Round(storage, rq)

		ctx.keys = tensor.Zeros(tensor.Shape{seqK, batch, dim}, compute, tensor.CPU)
		rk := tensor.Floats[F](ctx.keys)
		rotate(rk, kBuf, kL, seqK, batch, heads, headDim, 0, cos, sin)
		tensor.Round(storage, rk)

		qBuf, qL = rq, flat
		kBuf, kL = rk, flat
	}

	// Scaled scores Q·Kᵀ per (batch, head).
	bh := batch * heads
	scoresT := tensor.Zeros(tensor.Shape{bh, seqQ, seqK}, compute, tensor.CPU)
	scores := tensor.Floats[F](scoresT)
	cpu.BatchGemm(backend, bh, false, true, F(ctx.scale), 0, func(i int) (a, b, c cpu.Matrix[F]) {
		n, h := i/heads, i%heads
		return cpu.Strided(qBuf, qL.offset(0, n, h), seqQ, headDim, qL.rowStride),
			cpu.Strided(kBuf, kL.offset(0, n, h), seqK, headDim, kL.rowStride),
			cpu.Dense(seqQ, seqK, scores[i*seqQ*seqK:])
	})
	tensor.Round(storage, scores)

	// Mask, softmax and dropout.
	ctx.kernel = SelectKernel(backend.Device(), storage, seqK, opts.Kernel)
	rng := opts.Rand
	if rng == nil && opts.Training && opts.DropoutProb > 0 {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	sm := ctx.kernel.Forward(&SoftmaxParams{
		Backend:     backend,
		Scores:      scoresT,
		Mask:        in.Mask,
		Batch:       batch,
		Heads:       heads,
		Storage:     storage,
		Training:    opts.Training,
		DropoutProb: opts.DropoutProb,
		Rand:        rng,
	})
	ctx.softmax, ctx.dropout, ctx.keep = sm.Softmax, sm.Dropout, sm.Keep

	// Value aggregation straight into [Sq, B, D].
	ctx.matmul2 = tensor.Zeros(tensor.Shape{seqQ, batch, dim}, compute, tensor.CPU)
	m2 := tensor.Floats[F](ctx.matmul2)
	probs := tensor.Floats[F](ctx.dropout)
	cpu.BatchGemm(backend, bh, false, false, 1, 0, func(i int) (a, b, c cpu.Matrix[F]) {
		n, h := i/heads, i%heads
		return cpu.Dense(seqQ, seqK, probs[i*seqQ*seqK:]),
			cpu.Strided(vBuf, vL.offset(0, n, h), seqK, headDim, vL.rowStride),
			cpu.Strided(m2, flat.offset(0, n, h), seqQ, headDim, flat.rowStride)
	})
	tensor.Round(storage, m2)

	// Output projection.
	out := make([]F, rows*dim)
	cpu.Linear(m2, rows, dim, tensor.Floats[F](ctx.outputWeight), dim,
		tensor.Floats[F](tensor.Cast(params.OutputBias, compute)), out)

	res := &Result{Output: tensor.MustFromSlice(out, tensor.Shape{seqQ, batch, dim}, storage, tensor.CPU)}
	if opts.ExposeWeights {
		res.AttentionWeights = tensor.Cast(ctx.dropout, storage)
		if res.AttentionWeights == ctx.dropout {
			res.AttentionWeights = ctx.dropout.Clone()
		}
	}
	return res, ctx
}

// gather copies the [rows, hd] head slices addressed by from into a new
// [rows, B, D] tensor.
func gather[F tensor.Float](src []F, from headLayout, rows, batch, heads, headDim int, dtype tensor.DataType) *tensor.RawTensor {
	out := tensor.Zeros(tensor.Shape{rows, batch, heads * headDim}, dtype, tensor.CPU)
	dst := tensor.Floats[F](out)
	to := flatLayout(batch, heads*headDim, headDim)
	for s := 0; s < rows; s++ {
		for b := 0; b < batch; b++ {
			for h := 0; h < heads; h++ {
				copy(dst[to.offset(s, b, h):][:headDim], src[from.offset(s, b, h):][:headDim])
			}
		}
	}
	return out
}

// scatter copies rows [first, first+rows) of a flat [*, B, D] buffer into the
// head slices addressed by to.
func scatter[F tensor.Float](dst []F, to headLayout, src []F, first, rows, batch, heads, headDim int) {
	from := flatLayout(batch, heads*headDim, headDim)
	for s := 0; s < rows; s++ {
		for b := 0; b < batch; b++ {
			for h := 0; h < heads; h++ {
				copy(dst[to.offset(s, b, h):][:headDim], src[from.offset(first+s, b, h):][:headDim])
			}
		}
	}
}
