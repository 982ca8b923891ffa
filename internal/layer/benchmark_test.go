// Package layer provides benchmarks for the frozen feature extraction layers.
package layer

import (
	"math/rand"
	"testing"
)

// fillRandom fills a slice with random values.
func fillRandom(slice []float64) {
	for i := range slice {
		slice[i] = rand.Float64()
	}
}

// BenchmarkConv2DForward benchmarks a VGG-style 3x3 convolution.
func BenchmarkConv2DForward(b *testing.B) {
	in := Shape{C: 64, H: 32, W: 32}
	c := NewConv2D(NewCPUDevice(), 64, 64, 3, 1, 1, nil)
	w := make([]float64, 64*64*9)
	fillRandom(w)
	_ = c.SetWeights(w, make([]float64, 64))
	input := make([]float64, in.Size())
	fillRandom(input)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Forward(input, in)
	}
}

// BenchmarkConv2DBackward benchmarks the input-gradient pass.
func BenchmarkConv2DBackward(b *testing.B) {
	in := Shape{C: 64, H: 32, W: 32}
	c := NewConv2D(NewCPUDevice(), 64, 64, 3, 1, 1, nil)
	w := make([]float64, 64*64*9)
	fillRandom(w)
	_ = c.SetWeights(w, make([]float64, 64))
	input := make([]float64, in.Size())
	grad := make([]float64, in.Size())
	fillRandom(input)
	fillRandom(grad)
	c.Forward(input, in)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Backward(grad)
	}
}

// BenchmarkMaxPool2DForward benchmarks 2x2 pooling.
func BenchmarkMaxPool2DForward(b *testing.B) {
	in := Shape{C: 64, H: 64, W: 64}
	pool := NewMaxPool2D(2, 2, 0)
	input := make([]float64, in.Size())
	fillRandom(input)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Forward(input, in)
	}
}
