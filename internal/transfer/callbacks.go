package transfer

import (
	"log"
	"time"

	"github.com/FlavioCFOliveira/GoStyle/internal/layer"
	"github.com/FlavioCFOliveira/GoStyle/internal/loss"
	"github.com/FlavioCFOliveira/GoStyle/internal/opt"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

// RunInfo describes a run to callbacks.
type RunInfo struct {
	Iterations int
	Shape      []int
	Device     layer.Device
	Optimizer  string
	Mashup     bool
}

// Callback observes a run.
//
// OnEvaluate fires on every closure evaluation (several per step with
// L-BFGS); eval counts from 1. OnStepEnd fires after each outer step with
// the clamped candidate, which callbacks must not modify or retain.
type Callback interface {
	OnRunBegin(info RunInfo)
	OnEvaluate(eval int, terms loss.Terms)
	OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor)
	OnRunEnd(candidate *tensor.Tensor)
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (c BaseCallback) OnRunBegin(info RunInfo) {}
func (c BaseCallback) OnEvaluate(eval int, terms loss.Terms) {}
func (c BaseCallback) OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor) {}
func (c BaseCallback) OnRunEnd(candidate *tensor.Tensor) {}

// SchedulerCallback is a callback that wraps a learning rate scheduler.
type SchedulerCallback struct {
	BaseCallback
	scheduler opt.Scheduler
}

func NewSchedulerCallback(scheduler opt.Scheduler) *SchedulerCallback {
	return &SchedulerCallback{scheduler: scheduler}
}

func (c *SchedulerCallback) OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor) {
	c.scheduler.Step()
}

// Logger logs progress with the standard logger.
type Logger struct {
	BaseCallback
	Interval int // log every Interval evaluations; 0 disables

	start time.Time
	step  int
}

func (c *Logger) OnRunBegin(info RunInfo) {
	c.start = time.Now()
	c.step = 0
	device := "unknown"
	if info.Device != nil {
		device = info.Device.Type().String()
	}
	log.Printf("run begin: iterations=%d shape=%v optimizer=%s mashup=%t device=%s",
		info.Iterations, info.Shape, info.Optimizer, info.Mashup, device)
}

func (c *Logger) OnEvaluate(eval int, terms loss.Terms) {
	if c.Interval > 0 && eval%c.Interval == 0 {
		log.Printf("run: step=%d eval=%d content=%.6g style=%.6g total=%.6g",
			c.step, eval, terms.Content, terms.Style, terms.Total)
	}
}

// OnStepEnd advances the step reported with each evaluation.
func (c *Logger) OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor) {
	c.step = step + 1
}

func (c *Logger) OnRunEnd(candidate *tensor.Tensor) {
	log.Printf("run end: elapsed=%s", time.Since(c.start).Round(time.Millisecond))
}

// History records every evaluation and step.
type History struct {
	BaseCallback
	Evaluations []loss.Terms
	Steps       []loss.Terms
}

func (h *History) OnEvaluate(eval int, terms loss.Terms) {
	h.Evaluations = append(h.Evaluations, terms)
}

func (h *History) OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor) {
	h.Steps = append(h.Steps, terms)
}

// Snapshot hands the candidate to Save every Every steps.
type Snapshot struct {
	BaseCallback
	Every int
	Save  func(step int, candidate *tensor.Tensor) error
}

func (c *Snapshot) OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor) {
	if c.Every <= 0 || (step+1)%c.Every != 0 {
		return
	}
	if err := c.Save(step, candidate); err != nil {
		log.Printf("snapshot: step=%d err=%v", step, err)
	}
}
