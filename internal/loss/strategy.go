package loss

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

// Strategy computes the style term of the objective against targets it owns.
type Strategy interface {
	// Compute returns the style loss of the generated style maps. When grad
	// is non-nil, grad[k] is set to the loss gradient for map k.
	Compute(generated map[string]*tensor.Tensor, grad map[string][]float64) float64
}

// SingleStyle matches the Gram matrices of one style image.
type SingleStyle struct {
	targets map[string]*mat.Dense
}

// NewSingleStyle precomputes the target Gram matrices of a style bundle.
func NewSingleStyle(target map[string]*tensor.Tensor) *SingleStyle {
	grams := make(map[string]*mat.Dense, len(features.StyleLayers))
	for _, k := range features.StyleLayers {
		grams[k] = Gram(styleMap(target, k))
	}
	return &SingleStyle{targets: grams}
}

// Compute implements Strategy.
func (s *SingleStyle) Compute(generated map[string]*tensor.Tensor, grad map[string][]float64) float64 {
	return gramSum(s.targets, generated, grad)
}

// MashupStyle matches the blend w1·G1 + w2·G2 of two style images' Gram
// matrices. The weights need not sum to 1.
type MashupStyle struct {
	W1, W2  float64
	targets map[string]*mat.Dense
}

// NewMashupStyle precomputes the blended target Gram matrices.
func NewMashupStyle(target1, target2 map[string]*tensor.Tensor, w1, w2 float64) *MashupStyle {
	grams := make(map[string]*mat.Dense, len(features.StyleLayers))
	for _, k := range features.StyleLayers {
		g1, g2 := Gram(styleMap(target1, k)), Gram(styleMap(target2, k))
		g1.Scale(w1, g1)
		g2.Scale(w2, g2)
		g1.Add(g1, g2)
		grams[k] = g1
	}
	return &MashupStyle{W1: w1, W2: w2, targets: grams}
}

// Compute implements Strategy.
func (m *MashupStyle) Compute(generated map[string]*tensor.Tensor, grad map[string][]float64) float64 {
	return gramSum(m.targets, generated, grad)
}

// StyleLoss sums, over the style layers, the mean squared error between
// target and generated Gram matrices.
func StyleLoss(targets, generated map[string]*tensor.Tensor) float64 {
	return NewSingleStyle(targets).Compute(generated, nil)
}

// MashupStyleLoss is StyleLoss against the per-layer target w1·G1 + w2·G2.
func MashupStyleLoss(targets1, targets2, generated map[string]*tensor.Tensor, w1, w2 float64) float64 {
	return NewMashupStyle(targets1, targets2, w1, w2).Compute(generated, nil)
}

func gramSum(targets map[string]*mat.Dense, generated map[string]*tensor.Tensor, grad map[string][]float64) float64 {
	var total float64
	for _, k := range features.StyleLayers {
		m := styleMap(generated, k)
		var g []float64
		if grad != nil {
			g = grad[k]
			if len(g) != m.Len() {
				g = make([]float64, m.Len())
				grad[k] = g
			}
		}
		total += GramLoss(targets[k], m, g)
	}
	return total
}

func styleMap(maps map[string]*tensor.Tensor, k string) *tensor.Tensor {
	m, ok := maps[k]
	if !ok {
		panic(fmt.Sprintf("loss: missing style map %q", k))
	}
	return m
}
