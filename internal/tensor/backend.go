package tensor

// Backend identifies the compute substrate tensors are processed on.
//
// The attention core does its own fused arithmetic; a backend only has to say
// where it runs so kernels can decide whether they apply.
//
// Implementations:
//   - CPU: Pure Go over gonum BLAS (internal/backend/cpu)
type Backend interface {
	Name() string
	Device() Device
}
