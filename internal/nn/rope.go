package nn

import (
	"fmt"
	"sync"

	"github.com/born-ml/fusedattn/internal/selfattn"
	"github.com/born-ml/fusedattn/internal/tensor"
)

// RotaryEncoding provides rotary position tables for the attention core.
//
// Tables are laid out rotate-half: for head dimension d, columns j and j+d/2
// share the frequency θ_j = base^(-2j/d), and position m uses angle m·θ_j.
// The core rotates queries and keys as x·cos + rotate_half(x)·sin.
//
// Tables grow on demand: asking for more positions than MaxSeqLen doubles the
// precomputed length until it fits.
//
// Example:
//
//	rope := nn.NewRotaryEncoding(nn.RotaryEncodingConfig{HeadDim: 64, MaxSeqLen: 2048})
//	tables := rope.Tables(seqLen, tensor.Float16)
type RotaryEncoding struct {
	HeadDim   int
	MaxSeqLen int
	Theta     float64

	mu     sync.Mutex
	tables map[tensor.DataType]*selfattn.RotaryTables
}

// RotaryEncodingConfig configures a RotaryEncoding.
type RotaryEncodingConfig struct {
	HeadDim   int     // Dimension per head, must be even
	MaxSeqLen int     // Initial table length
	Theta     float64 // Base frequency (default: 10000.0)
}

// NewRotaryEncoding creates a rotary table provider.
//
// Panics if HeadDim is not even or MaxSeqLen is not positive.
func NewRotaryEncoding(cfg RotaryEncodingConfig) *RotaryEncoding {
	if cfg.HeadDim <= 0 || cfg.HeadDim%2 != 0 {
		panic(fmt.Sprintf("RotaryEncoding: HeadDim must be positive and even, got %d", cfg.HeadDim))
	}
	if cfg.MaxSeqLen <= 0 {
		panic(fmt.Sprintf("RotaryEncoding: MaxSeqLen must be positive, got %d", cfg.MaxSeqLen))
	}
	if cfg.Theta <= 0 {
		cfg.Theta = 10000.0
	}
	return &RotaryEncoding{
		HeadDim:   cfg.HeadDim,
		MaxSeqLen: cfg.MaxSeqLen,
		Theta:     cfg.Theta,
		tables:    make(map[tensor.DataType]*selfattn.RotaryTables),
	}
}

// Tables returns tables covering at least length positions, stored as dtype.
func (r *RotaryEncoding) Tables(length int, dtype tensor.DataType) *selfattn.RotaryTables {
	r.mu.Lock()
	defer r.mu.Unlock()

	if length > r.MaxSeqLen {
		for r.MaxSeqLen < length {
			r.MaxSeqLen *= 2
		}
		clear(r.tables)
	}
	t, ok := r.tables[dtype]
	if !ok {
		t = selfattn.NewRotaryTables(r.MaxSeqLen, r.HeadDim, r.Theta, dtype)
		r.tables[dtype] = t
	}
	return t
}
