package selfattn

import (
	"fmt"

	"github.com/born-ml/fusedattn/internal/tensor"
)

// Cache holds the key/value history of one incremental decoding session.
//
// A Cache is either empty or populated with keys and values of shape
// [elapsed, B, D], stored in the compute type of the attention calls that
// filled it. Every step of a session shares one storage dtype: float16 and
// bfloat16 both compute in float32 but do not mix. Append is the only mutation, and it never writes into tensors it
// has already handed out, so a Context saved by an earlier step stays valid.
//
// A Cache belongs to one decoding session; concurrent Forward calls sharing a
// Cache are not allowed.
//
// Example:
//
//	cache := selfattn.NewCache()
//	for step := 0; step < n; step++ {
//	    res, _ := selfattn.Forward(backend, params, selfattn.Inputs{Input: token},
//	        selfattn.Options{Heads: 8, Cache: cache})
//	}
type Cache struct {
	keys    *tensor.RawTensor // nil while empty
	values  *tensor.RawTensor
	storage tensor.DataType // storage dtype of the appended steps
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Populated reports whether the cache holds any history.
func (c *Cache) Populated() bool {
	return c.keys != nil
}

// Len returns the number of cached time steps.
func (c *Cache) Len() int {
	if c.keys == nil {
		return 0
	}
	return c.keys.Shape()[0]
}

// Get returns the cached keys and values, or nils if the cache is empty.
func (c *Cache) Get() (keys, values *tensor.RawTensor) {
	return c.keys, c.values
}

// Append concatenates k and v ([steps, B, D]) onto the history along the time
// axis and returns the full history.
//
// Panics if k and v disagree with each other or with the cached history.
func (c *Cache) Append(k, v *tensor.RawTensor) (keys, values *tensor.RawTensor) {
	return c.appendAs(k.DType(), k, v)
}

// appendAs is Append for compute-type k and v produced from storage-typed
// inputs.
func (c *Cache) appendAs(storage tensor.DataType, k, v *tensor.RawTensor) (keys, values *tensor.RawTensor) {
	if len(k.Shape()) != 3 || !k.Shape().Equal(v.Shape()) || k.DType() != v.DType() {
		panic(fmt.Sprintf("selfattn: cache append needs matching [steps, B, D] keys and values, got %v %s and %v %s",
			k.Shape(), k.DType(), v.Shape(), v.DType()))
	}
	c.checkStorage(storage)
	if c.keys == nil {
		c.keys, c.values = k.Clone(), v.Clone()
		c.storage = storage
		return c.keys, c.values
	}

	old := c.keys.Shape()
	if old[1] != k.Shape()[1] || old[2] != k.Shape()[2] {
		panic(fmt.Sprintf("selfattn: cache holds %v, cannot append %v", old, k.Shape()))
	}
	if c.keys.DType() != k.DType() {
		panic(fmt.Sprintf("selfattn: cache holds %s, cannot append %s", c.keys.DType(), k.DType()))
	}

	c.keys = concatTime(c.keys, k)
	c.values = concatTime(c.values, v)
	return c.keys, c.values
}

// checkStorage panics if the cache holds steps of a storage dtype other than
// storage.
func (c *Cache) checkStorage(storage tensor.DataType) {
	if c.keys != nil && c.storage != storage {
		panic(fmt.Sprintf("selfattn: cache holds %s steps, cannot append %s", c.storage, storage))
	}
}

// Reset empties the cache for a new session.
func (c *Cache) Reset() {
	c.keys, c.values = nil, nil
}

// Clone returns an independent cache with the same history.
func (c *Cache) Clone() *Cache {
	if c.keys == nil {
		return NewCache()
	}
	return &Cache{keys: c.keys.Clone(), values: c.values.Clone(), storage: c.storage}
}

// concatTime joins two [T, B, D] tensors along the outermost axis. Time is the
// slowest-varying axis, so this is a byte-level append.
func concatTime(a, b *tensor.RawTensor) *tensor.RawTensor {
	shape := tensor.Shape{a.Shape()[0] + b.Shape()[0], a.Shape()[1], a.Shape()[2]}
	out := tensor.MustNewRaw(shape, a.DType(), a.Device())
	n := copy(out.Data(), a.Data())
	copy(out.Data()[n:], b.Data())
	return out
}
