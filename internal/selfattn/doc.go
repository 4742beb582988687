// Package selfattn implements fused multi-head self-attention with a
// hand-derived backward pass.
//
// Forward projects one [S, B, D] input into query, key and value with a
// single GEMM, optionally appends the new keys and values to an incremental
// Cache, optionally applies rotary position encoding, computes scaled
// dot-product scores, masks them, runs softmax and dropout through a Kernel,
// aggregates values and projects the result back to D. It returns a Context
// holding everything Backward needs.
//
// Backward consumes that Context exactly once and returns gradients for the
// input and the four projection parameters.
//
// The projection axis of the input weight is laid out as [H, 3, D/H]: for head
// h, rows h*3*hd .. h*3*hd+hd produce the query, the next hd rows the key and
// the next hd rows the value.
//
// Example:
//
//	backend := cpu.New()
//	res, ctx := selfattn.Forward(backend, params, selfattn.Inputs{Input: x}, selfattn.Options{
//	    Training:    true,
//	    Heads:       8,
//	    DropoutProb: 0.1,
//	})
//	grads := selfattn.Backward(backend, ctx, dOut, nil)
package selfattn
