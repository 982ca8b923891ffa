package features

import (
	"math"
	"math/rand"

	"github.com/FlavioCFOliveira/GoStyle/internal/weights"
)

// RandomWeights returns He-initialized convolution parameters for arch.
// The same seed always yields the same store. Useful for smoke runs and
// tests when pretrained weights are not at hand.
func RandomWeights(arch Arch, seed int64) weights.Store {
	rng := rand.New(rand.NewSource(seed))
	store := make(weights.Store)
	idx, in, out := arch.ConvIndices()
	for k, i := range idx {
		fanIn := in[k] * 3 * 3
		scale := math.Sqrt(2.0 / float64(fanIn))

		w := &weights.Tensor{Shape: []int{out[k], in[k], 3, 3}, Data: make([]float32, out[k]*fanIn)}
		for j := range w.Data {
			w.Data[j] = float32(rng.NormFloat64() * scale)
		}
		b := &weights.Tensor{Shape: []int{out[k]}, Data: make([]float32, out[k])}
		for j := range b.Data {
			b.Data[j] = float32(rng.NormFloat64() * 0.01)
		}
		store[weightName(i)] = w
		store[biasName(i)] = b
	}
	return store
}
