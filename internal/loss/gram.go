package loss

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

// Gram returns F·Fᵀ/(C·h·w) where F is the [C, h, w] map m viewed as a
// C×(h·w) matrix.
func Gram(m *tensor.Tensor) *mat.Dense {
	c, h, w := mustDims(m)
	f := mat.NewDense(c, h*w, m.Data)
	g := mat.NewDense(c, c, nil)
	g.Mul(f, f.T())
	g.Scale(1/float64(c*h*w), g)
	return g
}

// GramLoss returns the mean squared error between target and the Gram
// matrix of generated. When grad is non-nil it receives
// dL/dF = 4·(G−T)·F/(C²·N) with N = C·h·w.
func GramLoss(target *mat.Dense, generated *tensor.Tensor, grad []float64) float64 {
	c, h, w := mustDims(generated)
	if r, cc := target.Dims(); r != c || cc != c {
		panic(fmt.Sprintf("loss: target Gram is %dx%d, map has %d channels", r, cc, c))
	}

	var diff mat.Dense
	diff.Sub(Gram(generated), target)

	var sum float64
	raw := diff.RawMatrix()
	for i := 0; i < c; i++ {
		for _, d := range raw.Data[i*raw.Stride : i*raw.Stride+c] {
			sum += d * d
		}
	}
	cc := float64(c * c)

	if grad != nil {
		if len(grad) != generated.Len() {
			panic("loss: gradient buffer does not match map size")
		}
		n := float64(c * h * w)
		f := mat.NewDense(c, h*w, generated.Data)
		g := mat.NewDense(c, h*w, grad)
		g.Mul(&diff, f)
		g.Scale(4/(cc*n), g)
	}
	return sum / cc
}

func mustDims(m *tensor.Tensor) (c, h, w int) {
	c, h, w, err := m.Dims()
	if err != nil {
		panic(fmt.Sprintf("loss: %v", err))
	}
	return c, h, w
}
