package loss

import (
	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

// Default term weights. Raw style loss is orders of magnitude smaller than
// content loss, hence the bias toward style.
const (
	DefaultContentWeight = 1.0
	DefaultStyleWeight   = 1e6
)

// Terms holds the components of one objective evaluation.
type Terms struct {
	Content float64
	Style   float64
	Total   float64
}

// Objective is the weighted sum of content and style losses.
type Objective struct {
	Content       *tensor.Tensor // target content map
	Style         Strategy
	ContentWeight float64
	StyleWeight   float64
}

// Evaluate returns the loss terms of generated. When grad is non-nil it is
// filled with the gradient of Total with respect to every generated map.
func (o *Objective) Evaluate(generated *features.Bundle, grad *features.Gradients) Terms {
	var t Terms
	t.Content = ContentLoss(o.Content, generated.Content)

	var styleGrad map[string][]float64
	if grad != nil {
		if len(grad.Content) != generated.Content.Len() {
			grad.Content = make([]float64, generated.Content.Len())
		}
		ContentGrad(o.Content, generated.Content, grad.Content, o.ContentWeight)
		if grad.Style == nil {
			grad.Style = make(map[string][]float64, len(features.StyleLayers))
		}
		styleGrad = grad.Style
	}

	t.Style = o.Style.Compute(generated.Style, styleGrad)
	if styleGrad != nil {
		for _, k := range features.StyleLayers {
			floats.Scale(o.StyleWeight, styleGrad[k])
		}
	}

	t.Total = o.ContentWeight*t.Content + o.StyleWeight*t.Style
	return t
}
