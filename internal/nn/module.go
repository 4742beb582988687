// Package nn implements trainable modules built on the fused attention core.
//
// This package provides:
//   - Parameter: a tensor with an accumulated gradient
//   - SelfAttention: multi-head self-attention over selfattn.Forward/Backward
//   - RotaryEncoding: rotate-half sine/cosine table provider
//   - FeedForward: position-wise two-layer network with GLU variants
//   - DecodingState: per-layer key/value caches for incremental decoding
//
// Modules keep no autograd tape. Forward returns a context value and Backward
// consumes it, accumulating parameter gradients as it goes.
package nn

// Module is the base interface for all trainable components.
type Module interface {
	// Parameters returns all trainable parameters of this module.
	Parameters() []*Parameter
}

// ZeroGrad clears the gradients of every parameter of m.
func ZeroGrad(m Module) {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}
