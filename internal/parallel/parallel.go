// Package parallel provides the worker fan-out used by the CPU substrate.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled    bool // Whether parallel execution is enabled.
	NumWorkers int  // Number of worker goroutines to use.
	MinWork    int  // Minimum estimated work per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	return WithWorkers(runtime.NumCPU())
}

// WithWorkers returns a config using n workers. n <= 1 disables parallelism.
func WithWorkers(n int) Config {
	if n < 1 {
		n = 1
	}
	return Config{
		Enabled:    n > 1,
		NumWorkers: n,
		MinWork:    1 << 14, // Roughly one 32x32x16 GEMM.
	}
}

// Sequential returns a config that always runs on the calling goroutine.
func Sequential() Config {
	return Config{NumWorkers: 1}
}

// For executes f(i) for i in [0, n).
// cost is the estimated work of a single item; items are grouped so each
// goroutine gets at least cfg.MinWork. Falls back to sequential execution if
// parallelism is disabled or the total work is too small.
func For(n, cost int, f func(i int), cfg Config) {
	if cost < 1 {
		cost = 1
	}
	if !cfg.Enabled || cfg.NumWorkers <= 1 || n < 2 || n*cost < 2*cfg.MinWork {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	minItems := max((cfg.MinWork+cost-1)/cost, 1)
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, minItems)

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// ForBatchHeads iterates the batch*heads pattern used by multi-head attention.
func ForBatchHeads(batch, heads, cost int, f func(b, h int), cfg Config) {
	For(batch*heads, cost, func(k int) {
		f(k/heads, k%heads)
	}, cfg)
}
