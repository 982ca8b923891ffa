// Package activations provides element-wise activation functions.
package activations

// Activation is an activation function with derivative.
type Activation interface {
	// Activate computes f(x)
	Activate(x float64) float64

	// Derivative computes f'(x) given the pre-activation input x
	Derivative(x float64) float64
}

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, x). NaN passes through.
func (r ReLU) Activate(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return x
}

// Derivative returns 1 if x > 0, else 0
func (r ReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// Linear is the identity activation of convolutions followed by a separate
// ReLU layer.
type Linear struct{}

// Activate returns x unchanged
func (l Linear) Activate(x float64) float64 {
	return x
}

// Derivative returns 1
func (l Linear) Derivative(x float64) float64 {
	return 1
}

// Name returns a short identifier for act, used in layer summaries.
func Name(act Activation) string {
	switch act.(type) {
	case ReLU, *ReLU:
		return "ReLU"
	case Linear, *Linear:
		return "Linear"
	default:
		return "Custom"
	}
}
