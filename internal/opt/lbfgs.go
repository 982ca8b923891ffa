package opt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Line search names accepted by LBFGSConfig.LineSearch.
const (
	LineSearchNone         = ""
	LineSearchBacktracking = "backtracking"
	LineSearchStrongWolfe  = "strong_wolfe"
)

// maxLineSearchEvals bounds the closure evaluations of one line search.
const maxLineSearchEvals = 25

// LBFGSConfig holds the L-BFGS parameters.
type LBFGSConfig struct {
	LearningRate    float64
	MaxIter         int     // inner iterations per Step
	MaxEval         int     // closure evaluations per Step; 0 means MaxIter*5/4
	ToleranceGrad   float64 // stop when max|g| falls below
	ToleranceChange float64 // stop when the step or loss change falls below
	HistorySize     int
	LineSearch      string
}

// DefaultLBFGSConfig returns the standard settings.
func DefaultLBFGSConfig() LBFGSConfig {
	return LBFGSConfig{
		LearningRate:    DefaultLBFGSLearningRate,
		MaxIter:         20,
		ToleranceGrad:   1e-7,
		ToleranceChange: 1e-9,
		HistorySize:     100,
	}
}

// LBFGS is a limited-memory BFGS optimizer. Curvature history, the last
// direction and step size persist across Step calls.
type LBFGS struct {
	cfg             LBFGSConfig
	params          []float64
	newLinesearcher func() optimize.Linesearcher

	grad     []float64
	d        []float64
	t        float64
	oldDirs  [][]float64 // y = g_k+1 - g_k
	oldStps  [][]float64 // s = x_k+1 - x_k
	ro       []float64
	hDiag    float64
	prevGrad []float64
	prevLoss float64
	nIter    int
	evals    int

	// Scratch
	al       []float64
	y, s     []float64
	x0       []float64
	bestGrad []float64
}

// NewLBFGS creates an L-BFGS optimizer bound to params.
func NewLBFGS(params []float64, cfg LBFGSConfig) (*LBFGS, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("lbfgs: learning rate must be positive, got %v", cfg.LearningRate)
	}
	if cfg.MaxIter <= 0 {
		return nil, fmt.Errorf("lbfgs: max_iter must be positive, got %d", cfg.MaxIter)
	}
	if cfg.HistorySize <= 0 {
		return nil, fmt.Errorf("lbfgs: history size must be positive, got %d", cfg.HistorySize)
	}
	if cfg.MaxEval <= 0 {
		cfg.MaxEval = cfg.MaxIter * 5 / 4
	}

	l := &LBFGS{cfg: cfg, params: params, hDiag: 1}
	switch cfg.LineSearch {
	case LineSearchNone:
	case LineSearchBacktracking:
		l.newLinesearcher = func() optimize.Linesearcher { return &optimize.Backtracking{} }
	case LineSearchStrongWolfe:
		l.newLinesearcher = func() optimize.Linesearcher { return &optimize.MoreThuente{} }
	default:
		return nil, fmt.Errorf("lbfgs: unknown line search %q", cfg.LineSearch)
	}

	n := len(params)
	l.grad = make([]float64, n)
	l.d = make([]float64, n)
	l.prevGrad = make([]float64, n)
	l.y = make([]float64, n)
	l.s = make([]float64, n)
	return l, nil
}

func (l *LBFGS) LearningRate() float64      { return l.cfg.LearningRate }
func (l *LBFGS) SetLearningRate(lr float64) { l.cfg.LearningRate = lr }

// HistoryLen returns the number of stored curvature pairs.
func (l *LBFGS) HistoryLen() int { return len(l.oldDirs) }

// FuncEvals returns the total number of closure evaluations.
func (l *LBFGS) FuncEvals() int { return l.evals }

// Step runs up to MaxIter inner iterations.
func (l *LBFGS) Step(closure Closure) (float64, error) {
	cfg := l.cfg
	g := l.grad

	origLoss, err := closure(g)
	if err != nil {
		return 0, err
	}
	loss := origLoss
	currentEvals := 1
	l.evals++

	if floats.Norm(g, math.Inf(1)) <= cfg.ToleranceGrad {
		return origLoss, nil
	}

	for iter := 1; iter <= cfg.MaxIter; iter++ {
		l.nIter++

		if l.nIter == 1 {
			floats.ScaleTo(l.d, -1, g)
			l.oldDirs, l.oldStps, l.ro = nil, nil, nil
			l.hDiag = 1
		} else {
			floats.SubTo(l.y, g, l.prevGrad)
			floats.ScaleTo(l.s, l.t, l.d)
			if ys := floats.Dot(l.y, l.s); ys > 1e-10 {
				l.pushHistory(ys)
			}
			l.direction(g)
		}

		copy(l.prevGrad, g)
		l.prevLoss = loss

		if l.nIter == 1 {
			l.t = math.Min(1, 1/floats.Norm(g, 1)) * cfg.LearningRate
		} else {
			l.t = cfg.LearningRate
		}

		gtd := floats.Dot(g, l.d)
		if gtd > -cfg.ToleranceChange {
			break
		}

		lsEvals := 0
		if l.newLinesearcher != nil {
			loss, lsEvals, err = l.lineSearch(closure, loss, gtd)
			if err != nil {
				return origLoss, err
			}
		} else {
			floats.AddScaled(l.params, l.t, l.d)
			if iter != cfg.MaxIter {
				loss, err = closure(g)
				if err != nil {
					return origLoss, err
				}
				lsEvals = 1
			}
		}
		currentEvals += lsEvals
		l.evals += lsEvals

		if iter == cfg.MaxIter {
			break
		}
		if currentEvals >= cfg.MaxEval {
			break
		}
		if floats.Norm(g, math.Inf(1)) <= cfg.ToleranceGrad {
			break
		}
		if math.Abs(l.t)*floats.Norm(l.d, math.Inf(1)) <= cfg.ToleranceChange {
			break
		}
		if math.Abs(loss-l.prevLoss) < cfg.ToleranceChange {
			break
		}
	}
	return origLoss, nil
}

// pushHistory stores the pair in l.y, l.s, recycling the oldest buffers
// once the history is full.
func (l *LBFGS) pushHistory(ys float64) {
	var y, s []float64
	if len(l.oldDirs) == l.cfg.HistorySize {
		y, s = l.oldDirs[0], l.oldStps[0]
		l.oldDirs = append(l.oldDirs[:0], l.oldDirs[1:]...)
		l.oldStps = append(l.oldStps[:0], l.oldStps[1:]...)
		l.ro = append(l.ro[:0], l.ro[1:]...)
	} else {
		y, s = make([]float64, len(l.y)), make([]float64, len(l.s))
	}
	copy(y, l.y)
	copy(s, l.s)
	l.oldDirs = append(l.oldDirs, y)
	l.oldStps = append(l.oldStps, s)
	l.ro = append(l.ro, 1/ys)
	l.hDiag = ys / floats.Dot(l.y, l.y)
}

// direction computes d = -H·g with the two-loop recursion.
func (l *LBFGS) direction(g []float64) {
	num := len(l.oldDirs)
	if cap(l.al) < num {
		l.al = make([]float64, l.cfg.HistorySize)
	}
	al := l.al[:num]

	q := l.d
	floats.ScaleTo(q, -1, g)
	for i := num - 1; i >= 0; i-- {
		al[i] = floats.Dot(l.oldStps[i], q) * l.ro[i]
		floats.AddScaled(q, -al[i], l.oldDirs[i])
	}

	floats.Scale(l.hDiag, q)
	for i := 0; i < num; i++ {
		be := floats.Dot(l.oldDirs[i], q) * l.ro[i]
		floats.AddScaled(q, al[i]-be, l.oldStps[i])
	}
}

// lineSearch moves params along d with the configured gonum line searcher,
// leaving params, l.grad and l.t at the accepted point. When the search
// fails, the best point seen (possibly the origin) is restored.
func (l *LBFGS) lineSearch(closure Closure, loss, gtd float64) (float64, int, error) {
	g := l.grad
	l.x0 = append(l.x0[:0], l.params...)
	l.bestGrad = append(l.bestGrad[:0], g...)
	bestStep, bestLoss := 0.0, loss

	ls := l.newLinesearcher()
	step := l.t
	if op := ls.Init(loss, gtd, step); op&optimize.FuncEvaluation == 0 {
		return 0, 0, fmt.Errorf("lbfgs: line search did not request an evaluation (op %v)", op)
	}
	evals := 0
	for {
		floats.AddScaledTo(l.params, l.x0, step, l.d)
		f, err := closure(g)
		if err != nil {
			return 0, evals, err
		}
		evals++
		if f < bestLoss {
			bestStep, bestLoss = step, f
			copy(l.bestGrad, g)
		}

		evaluated := step
		var op optimize.Operation
		var lsErr error
		op, step, lsErr = ls.Iterate(f, floats.Dot(g, l.d))
		if lsErr == nil && op&optimize.MajorIteration != 0 && step == evaluated {
			l.t = step
			return f, evals, nil
		}
		if lsErr != nil || evals >= maxLineSearchEvals ||
			op&(optimize.FuncEvaluation|optimize.GradEvaluation) == 0 {
			break
		}
	}

	floats.AddScaledTo(l.params, l.x0, bestStep, l.d)
	copy(g, l.bestGrad)
	l.t = bestStep
	return bestLoss, evals, nil
}
