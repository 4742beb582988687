// Package cpu implements the CPU backend: strided GEMMs over gonum BLAS with
// batch fan-out across worker goroutines.
package cpu

import (
	"github.com/born-ml/fusedattn/internal/envconfig"
	"github.com/born-ml/fusedattn/internal/parallel"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// CPUBackend runs attention arithmetic on the host.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

var _ tensor.Backend = (*CPUBackend)(nil)

// New creates a new CPU backend sized by FUSEDATTN_NUM_THREADS.
func New() *CPUBackend {
	return NewWithConfig(parallel.WithWorkers(int(envconfig.NumThreads())))
}

// NewWithConfig creates a CPU backend with an explicit parallel configuration.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    cfg,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Parallel returns the worker configuration used for batched work.
func (cpu *CPUBackend) Parallel() parallel.Config {
	return cpu.par
}

// For runs f over [0, n) with the backend's worker configuration.
func (cpu *CPUBackend) For(n, cost int, f func(i int)) {
	parallel.For(n, cost, f, cpu.par)
}
