package selfattn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/fusedattn/internal/tensor"
)

func TestCache_Lifecycle(t *testing.T) {
	cache := NewCache()
	assert.False(t, cache.Populated())
	assert.Equal(t, 0, cache.Len())
	k, v := cache.Get()
	assert.Nil(t, k)
	assert.Nil(t, v)

	step := func(val float64) *tensor.RawTensor {
		return tensor.Full(tensor.Shape{1, 2, 3}, val, tensor.Float64, tensor.CPU)
	}

	k1, _ := cache.Append(step(1), step(-1))
	require.True(t, cache.Populated())
	assert.Equal(t, tensor.Shape{1, 2, 3}, k1.Shape())

	k2, v2 := cache.Append(step(2), step(-2))
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, tensor.Shape{2, 2, 3}, k2.Shape())
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1, 2, 2, 2, 2, 2, 2}, k2.AsFloat64())
	assert.Equal(t, -2.0, v2.AsFloat64()[11])

	// Earlier histories are never written to.
	assert.Equal(t, tensor.Shape{1, 2, 3}, k1.Shape())
	assert.Equal(t, []float64{1, 1, 1, 1, 1, 1}, k1.AsFloat64())

	clone := cache.Clone()
	cache.Reset()
	assert.False(t, cache.Populated())
	assert.Equal(t, 2, clone.Len())
}

func TestCache_AppendMismatchPanics(t *testing.T) {
	cache := NewCache()
	cache.Append(tensor.Zeros(tensor.Shape{1, 2, 4}, tensor.Float32, tensor.CPU),
		tensor.Zeros(tensor.Shape{1, 2, 4}, tensor.Float32, tensor.CPU))

	assert.Panics(t, func() {
		cache.Append(tensor.Zeros(tensor.Shape{1, 3, 4}, tensor.Float32, tensor.CPU),
			tensor.Zeros(tensor.Shape{1, 3, 4}, tensor.Float32, tensor.CPU))
	})
	assert.Panics(t, func() {
		cache.Append(tensor.Zeros(tensor.Shape{1, 2, 4}, tensor.Float64, tensor.CPU),
			tensor.Zeros(tensor.Shape{1, 2, 4}, tensor.Float64, tensor.CPU))
	})
	assert.Panics(t, func() {
		cache.Append(tensor.Zeros(tensor.Shape{1, 2, 4}, tensor.Float32, tensor.CPU),
			tensor.Zeros(tensor.Shape{2, 2, 4}, tensor.Float32, tensor.CPU))
	})
}

func TestCache_StorageDTypeIsFixed(t *testing.T) {
	backend := newTestBackend()
	f := newFixture(37, 2, 2, 8)
	cache := NewCache()
	opts := Options{Heads: 2, Cache: cache}

	_, half := f.as(tensor.Float16)
	Forward(backend, half, Inputs{Input: tensor.Cast(f.step(0), tensor.Float16)}, opts)
	require.Equal(t, 1, cache.Len())

	// Both compute in float32; the history must not mix encodings.
	_, brain := f.as(tensor.BFloat16)
	assert.PanicsWithValue(t, "selfattn: cache holds float16 steps, cannot append bfloat16", func() {
		Forward(backend, brain, Inputs{Input: tensor.Cast(f.step(1), tensor.BFloat16)}, opts)
	})
	assert.Equal(t, 1, cache.Len())

	clone := cache.Clone()
	assert.Panics(t, func() {
		clone.Append(tensor.Zeros(tensor.Shape{1, 2, 8}, tensor.Float32, tensor.CPU),
			tensor.Zeros(tensor.Shape{1, 2, 8}, tensor.Float32, tensor.CPU))
	})

	cache.Reset()
	Forward(backend, brain, Inputs{Input: tensor.Cast(f.step(1), tensor.BFloat16)}, opts)
	assert.Equal(t, 1, cache.Len())
}

func TestCausalMask(t *testing.T) {
	m := CausalMask(2, 4)
	assert.Equal(t, TimeMask, m.Kind)
	assert.Equal(t, []bool{
		false, false, false, true,
		false, false, false, false,
	}, m.Values.AsBool())
}
