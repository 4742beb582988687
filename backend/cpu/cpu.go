// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend the attention core runs on.
//
// Matrix products go through gonum BLAS; per-(batch, head) work is spread
// over worker goroutines. The worker count defaults to the number of CPUs and
// can be set with FUSEDATTN_NUM_THREADS.
//
// Example:
//
//	backend := cpu.New()
//	res, ctx := attention.Forward(backend, params, attention.Inputs{Input: x}, opts)
package cpu

import (
	internalcpu "github.com/born-ml/fusedattn/internal/backend/cpu"
	"github.com/born-ml/fusedattn/internal/parallel"
	"github.com/born-ml/fusedattn/tensor"
)

// Backend represents the CPU backend implementation.
type Backend = internalcpu.CPUBackend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a new CPU backend.
func New() *Backend {
	return internalcpu.New()
}

// NewWithWorkers creates a CPU backend using n worker goroutines.
// n <= 1 runs everything on the calling goroutine.
func NewWithWorkers(n int) *Backend {
	return internalcpu.NewWithConfig(parallel.WithWorkers(n))
}
