// Package transfer runs the style transfer optimization loop.
//
// A Loop owns the candidate image, the cached target feature bundles and a
// quasi-Newton optimizer over the candidate's pixels. The single-style and
// mashup variants differ only in the loss.Strategy selected at New.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/layer"
	"github.com/FlavioCFOliveira/GoStyle/internal/loss"
	"github.com/FlavioCFOliveira/GoStyle/internal/opt"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

// ErrNonFinite is returned when HaltOnNonFinite is set and the loss is NaN or infinite.
var ErrNonFinite = errors.New("transfer: non-finite loss")

// Config holds the loop parameters.
type Config struct {
	Iterations    int
	ContentWeight float64
	StyleWeight   float64
	Optimizer     opt.Config

	// LRDecay multiplies the learning rate every LRStep iterations; 0 or 1 disables it.
	LRDecay float64
	LRStep  int

	// HaltOnNonFinite aborts the run on a NaN or infinite loss. Off by
	// default: a diverging run otherwise continues to the last iteration.
	HaltOnNonFinite bool
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		Iterations:    101,
		ContentWeight: loss.DefaultContentWeight,
		StyleWeight:   loss.DefaultStyleWeight,
		Optimizer:     opt.Config{Name: opt.NameLBFGS},
	}
}

type mashup struct {
	style  *tensor.Tensor
	w1, w2 float64
}

type options struct {
	mashup    *mashup
	callbacks []Callback
}

// Option customizes a Loop.
type Option func(*options)

// WithMashup blends the style of a second image: the style target of every
// layer becomes w1·G(style) + w2·G(style2).
func WithMashup(style2 *tensor.Tensor, w1, w2 float64) Option {
	return func(o *options) {
		o.mashup = &mashup{style: style2, w1: w1, w2: w2}
	}
}

// WithCallbacks registers progress callbacks, invoked in order.
func WithCallbacks(callbacks ...Callback) Option {
	return func(o *options) {
		o.callbacks = append(o.callbacks, callbacks...)
	}
}

// Loop is the optimization state machine. Run may be called once.
type Loop struct {
	dev       layer.Device
	extractor features.Extractor
	cfg       Config
	objective *loss.Objective
	candidate *tensor.Tensor
	optimizer opt.Optimizer
	callbacks []Callback
	mashup    bool

	mapGrad features.Gradients
	evals   int
	last    loss.Terms
}

// New extracts and caches the target bundles and binds an optimizer to a
// clone of content. All images must share one [3, H, W] shape; a mismatch
// returns tensor.ErrShapeMismatch before any optimization work.
func New(dev layer.Device, extractor features.Extractor, content, style *tensor.Tensor, cfg Config, opts ...Option) (*Loop, error) {
	var o options
	for _, apply := range opts {
		apply(&o)
	}

	if err := tensor.CheckSameShape("content", content, "style", style); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	if o.mashup != nil {
		if err := tensor.CheckSameShape("content", content, "mashup style", o.mashup.style); err != nil {
			return nil, fmt.Errorf("transfer: %w", err)
		}
	}
	if cfg.Iterations < 0 {
		return nil, fmt.Errorf("transfer: iterations must be non-negative, got %d", cfg.Iterations)
	}

	contentBundle, err := extractor.Extract(content)
	if err != nil {
		return nil, fmt.Errorf("transfer: failed to extract content features: %w", err)
	}
	styleBundle, err := extractor.Extract(style)
	if err != nil {
		return nil, fmt.Errorf("transfer: failed to extract style features: %w", err)
	}

	var strategy loss.Strategy
	if o.mashup != nil {
		mashupBundle, err := extractor.Extract(o.mashup.style)
		if err != nil {
			return nil, fmt.Errorf("transfer: failed to extract mashup style features: %w", err)
		}
		strategy = loss.NewMashupStyle(styleBundle.Style, mashupBundle.Style, o.mashup.w1, o.mashup.w2)
	} else {
		strategy = loss.NewSingleStyle(styleBundle.Style)
	}

	squeezed, err := content.Squeeze()
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	candidate := squeezed.Clone()

	optimizer, err := opt.New(candidate.Data, cfg.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	callbacks := o.callbacks
	if s := opt.NewScheduler(optimizer, cfg.LRDecay, cfg.LRStep); s != nil {
		callbacks = append(callbacks, NewSchedulerCallback(s))
	}

	return &Loop{
		dev:       dev,
		extractor: extractor,
		cfg:       cfg,
		objective: &loss.Objective{
			Content:       contentBundle.Content.Clone(),
			Style:         strategy,
			ContentWeight: cfg.ContentWeight,
			StyleWeight:   cfg.StyleWeight,
		},
		candidate: candidate,
		optimizer: optimizer,
		callbacks: callbacks,
		mashup:    o.mashup != nil,
	}, nil
}

// Run performs exactly cfg.Iterations optimizer steps and returns the
// clamped [3, H, W] candidate. ctx is checked before every step; a
// cancelled context returns ctx.Err(). OnRunEnd fires on every exit.
func (l *Loop) Run(ctx context.Context) (*tensor.Tensor, error) {
	info := RunInfo{
		Iterations: l.cfg.Iterations,
		Shape:      l.candidate.Shape,
		Device:     l.dev,
		Optimizer:  l.cfg.Optimizer.Name,
		Mashup:     l.mashup,
	}
	if info.Optimizer == "" {
		info.Optimizer = opt.NameLBFGS
	}
	for _, cb := range l.callbacks {
		cb.OnRunBegin(info)
	}
	defer func() {
		for _, cb := range l.callbacks {
			cb.OnRunEnd(l.candidate)
		}
	}()

	for step := 0; step < l.cfg.Iterations; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := l.optimizer.Step(l.evaluate); err != nil {
			return nil, fmt.Errorf("transfer: step %d: %w", step, err)
		}
		l.candidate.Clamp(0, 1)

		for _, cb := range l.callbacks {
			cb.OnStepEnd(step, l.last, l.candidate)
		}
	}

	l.candidate.Clamp(0, 1)
	return l.candidate, nil
}

// Evaluations returns the number of closure evaluations so far.
func (l *Loop) Evaluations() int {
	return l.evals
}

// evaluate is the optimizer closure. It recomputes everything from the
// current candidate and keeps no state between calls beyond reused buffers.
func (l *Loop) evaluate(grad []float64) (float64, error) {
	l.candidate.Clamp(0, 1)
	for i := range grad {
		grad[i] = 0
	}

	bundle, err := l.extractor.Extract(l.candidate)
	if err != nil {
		return 0, err
	}
	terms := l.objective.Evaluate(bundle, &l.mapGrad)
	pixels, err := l.extractor.Backward(&l.mapGrad)
	if err != nil {
		return 0, err
	}
	copy(grad, pixels.Data)

	l.evals++
	l.last = terms
	if l.cfg.HaltOnNonFinite && (math.IsNaN(terms.Total) || math.IsInf(terms.Total, 0)) {
		return 0, fmt.Errorf("%w at evaluation %d (content=%v style=%v)", ErrNonFinite, l.evals, terms.Content, terms.Style)
	}

	for _, cb := range l.callbacks {
		cb.OnEvaluate(l.evals, terms)
	}
	return terms.Total, nil
}
