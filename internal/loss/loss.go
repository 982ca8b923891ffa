// Package loss computes content, style and mashup losses on feature maps,
// together with their analytic gradients with respect to the generated maps.
package loss

import "github.com/FlavioCFOliveira/GoStyle/internal/tensor"

// MSE (Mean Squared Error) loss.
type MSE struct{}

// Forward computes mean squared error: (1/n) * sum((y_pred - y_true)^2)
func (m MSE) Forward(yPred, yTrue []float64) float64 {
	n := len(yPred)
	if n != len(yTrue) {
		panic("MSE: prediction and target must have same length")
	}

	var sum float64
	for i := 0; i < n; i++ {
		diff := yPred[i] - yTrue[i]
		sum += diff * diff
	}
	return sum / float64(n)
}

// BackwardInPlace computes dL/dy_pred = (2/n) * (y_pred - y_true) * scale
// and stores it in grad.
func (m MSE) BackwardInPlace(yPred, yTrue, grad []float64, scale float64) {
	n := len(yPred)
	if n != len(yTrue) || n != len(grad) {
		panic("MSE: slices must have same length")
	}

	factor := 2.0 * scale / float64(n)
	for i := 0; i < n; i++ {
		grad[i] = factor * (yPred[i] - yTrue[i])
	}
}

// ContentLoss is the mean squared error between two content maps.
// It is zero exactly when the maps are element-wise equal.
func ContentLoss(target, generated *tensor.Tensor) float64 {
	return MSE{}.Forward(generated.Data, target.Data)
}

// ContentGrad writes weight * dContentLoss/dgenerated into grad.
func ContentGrad(target, generated *tensor.Tensor, grad []float64, weight float64) {
	MSE{}.BackwardInPlace(generated.Data, target.Data, grad, weight)
}
