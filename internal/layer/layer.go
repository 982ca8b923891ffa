// Package layer provides frozen neural network layers for feature extraction.
//
// Layers hold fixed parameters and compute gradients with respect to their
// input only. Parameters are never updated and never receive gradients.
package layer

import (
	"fmt"

	"github.com/FlavioCFOliveira/GoStyle/internal/activations"
)

// Shape is the [channels, height, width] shape of a layer input or output.
type Shape struct {
	C, H, W int
}

// Size returns C*H*W.
func (s Shape) Size() int {
	return s.C * s.H * s.W
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d]", s.C, s.H, s.W)
}

// Layer is a frozen neural network layer.
//
// Forward returns a buffer owned by the layer that stays valid until the
// next call to Forward. Backward uses the state saved by the most recent
// Forward and returns the gradient of the loss with respect to its input.
type Layer interface {
	OutShape(in Shape) (Shape, error)
	Forward(x []float64, in Shape) []float64
	Backward(grad []float64) []float64
	NumParams() int
}

// Activation applies an element-wise activation function as a standalone layer.
type Activation struct {
	act activations.Activation

	savedInput []float64
	outputBuf  []float64
	gradInBuf  []float64
}

// NewActivation creates an activation layer.
func NewActivation(act activations.Activation) *Activation {
	return &Activation{act: act}
}

// NewReLU creates a ReLU layer.
func NewReLU() *Activation {
	return NewActivation(activations.ReLU{})
}

// OutShape returns in unchanged.
func (a *Activation) OutShape(in Shape) (Shape, error) {
	return in, nil
}

// Forward applies the activation to every element.
func (a *Activation) Forward(x []float64, in Shape) []float64 {
	n := len(x)
	a.savedInput = grow(a.savedInput, n)
	a.outputBuf = grow(a.outputBuf, n)
	copy(a.savedInput, x)
	for i, v := range x {
		a.outputBuf[i] = a.act.Activate(v)
	}
	return a.outputBuf
}

// Backward multiplies grad by the activation derivative at the saved input.
func (a *Activation) Backward(grad []float64) []float64 {
	n := len(a.savedInput)
	a.gradInBuf = grow(a.gradInBuf, n)
	for i := 0; i < n; i++ {
		a.gradInBuf[i] = grad[i] * a.act.Derivative(a.savedInput[i])
	}
	return a.gradInBuf
}

// NumParams returns 0.
func (a *Activation) NumParams() int {
	return 0
}

func (a *Activation) String() string {
	return activations.Name(a.act)
}

// grow returns buf resliced to n, reallocating when its capacity is too small.
func grow(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	return buf[:n]
}
