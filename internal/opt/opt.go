// Package opt provides optimization algorithms driven by a re-entrant closure.
//
// Every optimizer is bound to one parameter slice at construction and
// mutates it in place. Step may evaluate the closure several times.
package opt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Closure re-evaluates the objective at the current parameters. It must
// overwrite grad with the gradient and return the loss, recomputing
// everything from the parameters on every call.
type Closure func(grad []float64) (float64, error)

// Optimizer updates its bound parameters.
type Optimizer interface {
	// Step performs one optimization step and returns the loss of the
	// first closure evaluation.
	Step(closure Closure) (float64, error)

	LearningRate() float64
	SetLearningRate(lr float64)
}

// Optimizer names accepted by New.
const (
	NameLBFGS = "lbfgs"
	NameAdam  = "adam"
	NameSGD   = "sgd"
)

// Default learning rates per optimizer.
const (
	DefaultLBFGSLearningRate = 1.0
	DefaultAdamLearningRate  = 0.02
	DefaultSGDLearningRate   = 1e-3
)

// Config selects and parameterizes an optimizer.
type Config struct {
	Name         string
	LearningRate float64 // 0 selects the optimizer's default
	LineSearch   string  // L-BFGS only
	HistorySize  int     // L-BFGS only; 0 selects the default
	MaxIter      int     // L-BFGS only; 0 selects the default
}

// New creates the optimizer named by cfg bound to params.
func New(params []float64, cfg Config) (Optimizer, error) {
	switch cfg.Name {
	case "", NameLBFGS:
		lc := DefaultLBFGSConfig()
		if cfg.LearningRate > 0 {
			lc.LearningRate = cfg.LearningRate
		}
		if cfg.HistorySize > 0 {
			lc.HistorySize = cfg.HistorySize
		}
		if cfg.MaxIter > 0 {
			lc.MaxIter = cfg.MaxIter
			lc.MaxEval = 0
		}
		lc.LineSearch = cfg.LineSearch
		return NewLBFGS(params, lc)
	case NameAdam:
		lr := cfg.LearningRate
		if lr <= 0 {
			lr = DefaultAdamLearningRate
		}
		return NewAdam(params, lr), nil
	case NameSGD:
		lr := cfg.LearningRate
		if lr <= 0 {
			lr = DefaultSGDLearningRate
		}
		return NewSGD(params, lr), nil
	default:
		return nil, fmt.Errorf("opt: unknown optimizer %q", cfg.Name)
	}
}

// SGD (Stochastic Gradient Descent) optimizer.
type SGD struct {
	params []float64
	grad   []float64
	lr     float64
}

// NewSGD creates a gradient descent optimizer bound to params.
func NewSGD(params []float64, learningRate float64) *SGD {
	return &SGD{params: params, grad: make([]float64, len(params)), lr: learningRate}
}

// Step evaluates the closure once and moves params against the gradient.
func (s *SGD) Step(closure Closure) (float64, error) {
	loss, err := closure(s.grad)
	if err != nil {
		return 0, err
	}
	StepInPlace(s.lr, s.params, s.grad)
	return loss, nil
}

func (s *SGD) LearningRate() float64      { return s.lr }
func (s *SGD) SetLearningRate(lr float64) { s.lr = lr }

// StepInPlace updates params in-place: params = params - lr * gradients
func StepInPlace(lr float64, params, gradients []float64) {
	floats.AddScaled(params, -lr, gradients)
}

// Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	Beta1   float64 // Exponential decay rate for first moment
	Beta2   float64 // Exponential decay rate for second moment
	Epsilon float64 // Small constant for numerical stability

	params []float64
	grad   []float64
	lr     float64
	m, v   []float64
	t      int
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(params []float64, learningRate float64) *Adam {
	return &Adam{
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		params:  params,
		grad:    make([]float64, len(params)),
		lr:      learningRate,
		m:       make([]float64, len(params)),
		v:       make([]float64, len(params)),
	}
}

// Step evaluates the closure once and applies the Adam update.
func (a *Adam) Step(closure Closure) (float64, error) {
	loss, err := closure(a.grad)
	if err != nil {
		return 0, err
	}
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))
	stepSize := a.lr / bc1
	sqrtBC2 := math.Sqrt(bc2)

	for i, g := range a.grad {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		denom := math.Sqrt(a.v[i])/sqrtBC2 + a.Epsilon
		a.params[i] -= stepSize * a.m[i] / denom
	}
	return loss, nil
}

func (a *Adam) LearningRate() float64      { return a.lr }
func (a *Adam) SetLearningRate(lr float64) { a.lr = lr }
