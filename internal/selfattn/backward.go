package selfattn

import (
	"github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// Grads are the gradients produced by Backward, stored in the input's dtype.
type Grads struct {
	Input        *tensor.RawTensor // [S, B, D]
	InputWeight  *tensor.RawTensor // [3D, D]
	OutputWeight *tensor.RawTensor // [D, D]
	InputBias    *tensor.RawTensor // [3D]
	OutputBias   *tensor.RawTensor // [D]
}

// Backward propagates outputGrad, and optionally the gradient of the exposed
// attention weights, through the forward call that produced ctx.
//
// For incremental contexts the cached history is treated as a constant: only
// the keys and values of the current step receive gradient.
//
// Panics if ctx was already consumed or the gradients do not match its shapes.
func Backward(backend *cpu.CPUBackend, ctx *Context, outputGrad, weightsGrad *tensor.RawTensor) *Grads {
	if ctx == nil {
		panic("selfattn: nil context")
	}
	if ctx.spent {
		panic("selfattn: context already consumed by a previous Backward call")
	}
	if outputGrad == nil {
		panic("selfattn: nil output gradient")
	}
	outputGrad.Shape().MustMatch("selfattn: output gradient", tensor.Shape{ctx.seqQ, ctx.batch, ctx.dim})
	if weightsGrad != nil {
		weightsGrad.Shape().MustMatch("selfattn: attention weight gradient",
			tensor.Shape{ctx.batch * ctx.heads, ctx.seqQ, ctx.seqK})
	}
	ctx.spent = true

	if ctx.compute == tensor.Float64 {
		return backward[float64](backend, ctx, outputGrad, weightsGrad)
	}
	return backward[float32](backend, ctx, outputGrad, weightsGrad)
}

func backward[F tensor.Float](backend *cpu.CPUBackend, ctx *Context, outputGrad, weightsGrad *tensor.RawTensor) *Grads {
	storage, compute := ctx.storage, ctx.compute
	seqQ, seqK, batch, dim := ctx.seqQ, ctx.seqK, ctx.batch, ctx.dim
	heads, headDim := ctx.heads, ctx.headDim
	rows := seqQ * batch
	bh := batch * heads
	flat := flatLayout(batch, dim, headDim)

	// Output projection.
	dOut := tensor.Floats[F](tensor.Cast(outputGrad, compute))
	dCtx, dWout, dBout := cpu.LinearBackward(dOut, tensor.Floats[F](ctx.matmul2), rows, dim,
		tensor.Floats[F](ctx.outputWeight), dim)
	tensor.Round(storage, dCtx)

	qkv := tensor.Floats[F](ctx.qkv)
	qBuf, qL := qkv, qkvLayout(0, batch, dim, headDim)
	kBuf, kL := qkv, qkvLayout(1, batch, dim, headDim)
	vBuf, vL := qkv, qkvLayout(2, batch, dim, headDim)
	if ctx.queries != nil {
		qBuf, qL = tensor.Floats[F](ctx.queries), flat
	}
	if ctx.keys != nil {
		kBuf, kL = tensor.Floats[F](ctx.keys), flat
	}
	if ctx.values != nil {
		vBuf, vL = tensor.Floats[F](ctx.values), flat
	}

	// Gradient of the dropout output: dP = dCtx·Vᵀ (+ exposed weight gradient).
	dPT := tensor.Zeros(tensor.Shape{bh, seqQ, seqK}, compute, tensor.CPU)
	dP := tensor.Floats[F](dPT)
	cpu.BatchGemm(backend, bh, false, true, 1, 0, func(i int) (a, b, c cpu.Matrix[F]) {
		n, h := i/heads, i%heads
		return cpu.Strided(dCtx, flat.offset(0, n, h), seqQ, headDim, flat.rowStride),
			cpu.Strided(vBuf, vL.offset(0, n, h), seqK, headDim, vL.rowStride),
			cpu.Dense(seqQ, seqK, dP[i*seqQ*seqK:])
	})
	if weightsGrad != nil {
		for j, g := range tensor.Floats[F](tensor.Cast(weightsGrad, compute)) {
			dP[j] += g
		}
	}
	tensor.Round(storage, dP)

	// Query/key/value gradients go straight into the joint projection
	// gradient unless rotary encoding or a cache decoupled them from it.
	dQKVT := tensor.Zeros(tensor.Shape{seqQ, batch, 3 * dim}, compute, tensor.CPU)
	dQKV := tensor.Floats[F](dQKVT)
	dqBuf, dqL := dQKV, qkvLayout(0, batch, dim, headDim)
	dkBuf, dkL := dQKV, qkvLayout(1, batch, dim, headDim)
	dvBuf, dvL := dQKV, qkvLayout(2, batch, dim, headDim)
	if !ctx.direct() {
		dqBuf, dqL = make([]F, seqQ*batch*dim), flat
		dkBuf, dkL = make([]F, seqK*batch*dim), flat
		dvBuf, dvL = make([]F, seqK*batch*dim), flat
	}

	// dV = Pᵀ·dCtx.
	probs := tensor.Floats[F](ctx.dropout)
	cpu.BatchGemm(backend, bh, true, false, 1, 0, func(i int) (a, b, c cpu.Matrix[F]) {
		n, h := i/heads, i%heads
		return cpu.Dense(seqQ, seqK, probs[i*seqQ*seqK:]),
			cpu.Strided(dCtx, flat.offset(0, n, h), seqQ, headDim, flat.rowStride),
			cpu.Strided(dvBuf, dvL.offset(0, n, h), seqK, headDim, dvL.rowStride)
	})

	// Dropout and softmax.
	dST := ctx.kernel.Backward(&SoftmaxGradParams{
		Backend:     backend,
		Softmax:     ctx.softmax,
		Keep:        ctx.keep,
		Grad:        dPT,
		DropoutProb: ctx.dropoutProb,
		Storage:     storage,
	})
	dS := tensor.Floats[F](dST)

	// dQ = scale·dS·K, dK = scale·dSᵀ·Q.
	scale := F(ctx.scale)
	cpu.BatchGemm(backend, bh, false, false, scale, 0, func(i int) (a, b, c cpu.Matrix[F]) {
		n, h := i/heads, i%heads
		return cpu.Dense(seqQ, seqK, dS[i*seqQ*seqK:]),
			cpu.Strided(kBuf, kL.offset(0, n, h), seqK, headDim, kL.rowStride),
			cpu.Strided(dqBuf, dqL.offset(0, n, h), seqQ, headDim, dqL.rowStride)
	})
	cpu.BatchGemm(backend, bh, true, false, scale, 0, func(i int) (a, b, c cpu.Matrix[F]) {
		n, h := i/heads, i%heads
		return cpu.Dense(seqQ, seqK, dS[i*seqQ*seqK:]),
			cpu.Strided(qBuf, qL.offset(0, n, h), seqQ, headDim, qL.rowStride),
			cpu.Strided(dkBuf, dkL.offset(0, n, h), seqK, headDim, dkL.rowStride)
	})

	if !ctx.direct() {
		tensor.Round(storage, dqBuf)
		tensor.Round(storage, dkBuf)
		tensor.Round(storage, dvBuf)
		if ctx.rotaryCos != nil {
			cos, sin := tensor.Floats[F](ctx.rotaryCos), tensor.Floats[F](ctx.rotarySin)
			rotateBackward(dqBuf, seqQ, batch, heads, headDim, seqK-seqQ, cos, sin)
			rotateBackward(dkBuf, seqK, batch, heads, headDim, 0, cos, sin)
		}
		// The current step owns the last seqQ key/value rows.
		scatter(dQKV, qkvLayout(0, batch, dim, headDim), dqBuf, 0, seqQ, batch, heads, headDim)
		scatter(dQKV, qkvLayout(1, batch, dim, headDim), dkBuf, seqK-seqQ, seqQ, batch, heads, headDim)
		scatter(dQKV, qkvLayout(2, batch, dim, headDim), dvBuf, seqK-seqQ, seqQ, batch, heads, headDim)
	}
	tensor.Round(storage, dQKV)

	// Input projection.
	dX, dWin, dBin := cpu.LinearBackward(dQKV, tensor.Floats[F](ctx.input), rows, dim,
		tensor.Floats[F](ctx.inputWeight), 3*dim)

	return &Grads{
		Input:        tensor.MustFromSlice(dX, tensor.Shape{seqQ, batch, dim}, storage, tensor.CPU),
		InputWeight:  tensor.MustFromSlice(dWin, tensor.Shape{3 * dim, dim}, storage, tensor.CPU),
		OutputWeight: tensor.MustFromSlice(dWout, tensor.Shape{dim, dim}, storage, tensor.CPU),
		InputBias:    tensor.MustFromSlice(dBin, tensor.Shape{3 * dim}, storage, tensor.CPU),
		OutputBias:   tensor.MustFromSlice(dBout, tensor.Shape{dim}, storage, tensor.CPU),
	}
}
