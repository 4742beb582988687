package nn

import (
	"fmt"

	"github.com/born-ml/fusedattn/internal/selfattn"
)

// DecodingState owns the key/value caches of one autoregressive decoding
// session, one cache per attention layer.
//
// Example:
//
//	state := nn.NewDecodingState(len(layers))
//	for step := 0; step < maxLen; step++ {
//	    for i, layer := range layers {
//	        res, _ := layer.Forward(x, nil, nn.AttentionOptions{Cache: state.Cache(i)})
//	        x = res.Output
//	    }
//	}
type DecodingState struct {
	caches []*selfattn.Cache
}

// NewDecodingState creates empty caches for the given number of layers.
func NewDecodingState(layers int) *DecodingState {
	s := &DecodingState{caches: make([]*selfattn.Cache, layers)}
	for i := range s.caches {
		s.caches[i] = selfattn.NewCache()
	}
	return s
}

// Cache returns the cache of layer i.
func (s *DecodingState) Cache(i int) *selfattn.Cache {
	if i < 0 || i >= len(s.caches) {
		panic(fmt.Sprintf("DecodingState: layer %d out of range [0, %d)", i, len(s.caches)))
	}
	return s.caches[i]
}

// Steps returns the number of decoded steps, taken from the first layer.
func (s *DecodingState) Steps() int {
	if len(s.caches) == 0 {
		return 0
	}
	return s.caches[0].Len()
}

// Reset empties every cache.
func (s *DecodingState) Reset() {
	for _, c := range s.caches {
		c.Reset()
	}
}
