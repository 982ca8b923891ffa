package transfer

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/layer"
	"github.com/FlavioCFOliveira/GoStyle/internal/loss"
	"github.com/FlavioCFOliveira/GoStyle/internal/opt"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

var testArch = features.Arch{4, 8, 8, 8, 8}

func newExtractor(t testing.TB, dev layer.Device) *features.VGG19 {
	t.Helper()
	v, err := features.NewVGG19(dev, testArch, features.RandomWeights(testArch, 42))
	if err != nil {
		t.Fatalf("NewVGG19: %v", err)
	}
	return v
}

// gradientImage is a smooth image in [0,1].
func gradientImage(h, w int) *tensor.Tensor {
	img := tensor.New(3, h, w)
	for c := 0; c < 3; c++ {
		ch := img.Channel(c)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				ch[y*w+x] = (float64(x)/float64(w-1) + float64(y)/float64(h-1) + float64(c)/2) / 3
			}
		}
	}
	return img
}

// noiseImage is uniform noise in [0,1].
func noiseImage(seed int64, h, w int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	img := tensor.New(3, h, w)
	for i := range img.Data {
		img.Data[i] = rng.Float64()
	}
	return img
}

// stripeImage has vertical stripes of period 4 in [0,1].
func stripeImage(h, w int) *tensor.Tensor {
	img := tensor.New(3, h, w)
	for c := 0; c < 3; c++ {
		ch := img.Channel(c)
		for i := range ch {
			if (i%w)/2%2 == 0 {
				ch[i] = 0.9 - 0.2*float64(c)
			} else {
				ch[i] = 0.1
			}
		}
	}
	return img
}

func testConfig(iterations int) Config {
	cfg := DefaultConfig()
	cfg.Iterations = iterations
	cfg.Optimizer.MaxIter = 4
	return cfg
}

// rangeCheck fails the test if the candidate leaves [0,1] after any step.
type rangeCheck struct {
	BaseCallback
	t     *testing.T
	steps int
}

func (r *rangeCheck) OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor) {
	r.steps++
	if !candidate.InRange(0, 1) {
		r.t.Errorf("candidate out of [0,1] after step %d", step)
	}
}

// TestScenarioIdenticalImages: with content = style the candidate starts at
// the optimum, so both terms are zero and the image does not change.
func TestScenarioIdenticalImages(t *testing.T) {
	dev := layer.NewCPUDevice()
	img := gradientImage(64, 64)
	hist := &History{}
	l, err := New(dev, newExtractor(t, dev), img, img.Clone(), testConfig(5), WithCallbacks(hist))
	if err != nil {
		t.Fatal(err)
	}
	out, err := l.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(hist.Evaluations) == 0 {
		t.Fatal("no evaluations recorded")
	}
	for i, terms := range hist.Evaluations {
		if terms.Style > 1e-12 || terms.Content > 1e-12 {
			t.Errorf("evaluation %d: %+v, want ~0", i, terms)
		}
	}
	if !tensor.Equal(out, img) {
		t.Error("output changed although the candidate started at the optimum")
	}

	// A mismatched pair starts far from zero.
	mismatched := &History{}
	l2, err := New(dev, newExtractor(t, dev), img, stripeImage(64, 64), testConfig(1), WithCallbacks(mismatched))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mismatched.Evaluations[0].Total <= hist.Evaluations[0].Total {
		t.Errorf("mismatched initial loss %v should exceed identical-pair loss %v",
			mismatched.Evaluations[0].Total, hist.Evaluations[0].Total)
	}
}

// TestScenarioDistinctImages runs 50 iterations on two distinct images.
func TestScenarioDistinctImages(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 50-iteration run in short mode")
	}
	dev := layer.NewCPUDevice()
	content := gradientImage(64, 64)
	hist := &History{}
	check := &rangeCheck{t: t}
	cfg := testConfig(50)
	cfg.ContentWeight, cfg.StyleWeight = 1, 1e6

	l, err := New(dev, newExtractor(t, dev), content, stripeImage(64, 64), cfg, WithCallbacks(hist, check))
	if err != nil {
		t.Fatal(err)
	}
	out, err := l.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if check.steps != 50 {
		t.Errorf("ran %d steps, want 50", check.steps)
	}
	if !tensor.SameShape(out, content) {
		t.Fatalf("output shape %v, want %v", out.Shape, content.Shape)
	}
	if tensor.Equal(out, content) {
		t.Error("output equals the raw content image")
	}
	if !out.InRange(0, 1) {
		t.Error("final output out of [0,1]")
	}

	best := math.Inf(1)
	for _, terms := range hist.Evaluations {
		best = math.Min(best, terms.Total)
	}
	if best >= hist.Evaluations[0].Total {
		t.Errorf("loss never dropped below its initial value %v", hist.Evaluations[0].Total)
	}
}

// TestScenarioMashup checks that the first evaluation's style term is the
// blended loss of the unchanged content image.
func TestScenarioMashup(t *testing.T) {
	dev := layer.NewCPUDevice()
	v := newExtractor(t, dev)
	content := gradientImage(64, 64)
	style1, style2 := stripeImage(64, 64), noiseImage(3, 64, 64)

	hist := &History{}
	l, err := New(dev, v, content, style1, testConfig(1), WithMashup(style2, 0.5, 0.5), WithCallbacks(hist))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	cb, _ := v.Extract(content)
	s1, _ := v.Extract(style1)
	s2, _ := v.Extract(style2)
	want := loss.MashupStyleLoss(s1.Style, s2.Style, cb.Style, 0.5, 0.5)
	got := hist.Evaluations[0].Style
	if math.Abs(got-want) > 1e-9*math.Max(1, want) {
		t.Errorf("initial mashup style loss = %v, want %v", got, want)
	}

	// The blend never exceeds the unweighted average of the single-style losses.
	avg := (loss.StyleLoss(s1.Style, cb.Style) + loss.StyleLoss(s2.Style, cb.Style)) / 2
	if got > avg*(1+1e-12) {
		t.Errorf("mashup loss %v exceeds single-style average %v", got, avg)
	}
	if hist.Evaluations[0].Content != 0 {
		t.Errorf("initial content loss = %v, want 0", hist.Evaluations[0].Content)
	}
}

func TestZeroIterations(t *testing.T) {
	dev := layer.NewCPUDevice()
	content := gradientImage(32, 32)
	content.Data[0] = 1.5
	content.Data[1] = -0.25
	hist := &History{}

	l, err := New(dev, newExtractor(t, dev), content, noiseImage(1, 32, 32), testConfig(0), WithCallbacks(hist))
	if err != nil {
		t.Fatal(err)
	}
	out, err := l.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := content.Clone()
	want.Clamp(0, 1)
	if !tensor.Equal(out, want) {
		t.Error("zero iterations should return the clamped content clone")
	}
	if len(hist.Evaluations) != 0 || l.Evaluations() != 0 {
		t.Errorf("got %d evaluations, want 0", l.Evaluations())
	}
	if content.Data[0] != 1.5 {
		t.Error("content image was modified")
	}
}

func TestDeterministicTrajectory(t *testing.T) {
	run := func() []loss.Terms {
		dev := layer.NewCPUDevice()
		hist := &History{}
		l, err := New(dev, newExtractor(t, dev), gradientImage(32, 32), noiseImage(5, 32, 32), testConfig(3), WithCallbacks(hist))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := l.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
		return hist.Evaluations
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("runs made %d and %d evaluations", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestOptimizersKeepRange(t *testing.T) {
	for _, name := range []string{opt.NameAdam, opt.NameSGD} {
		t.Run(name, func(t *testing.T) {
			dev := layer.NewCPUDevice()
			cfg := testConfig(4)
			cfg.Optimizer = opt.Config{Name: name}
			cfg.LRDecay, cfg.LRStep = 0.5, 2
			check := &rangeCheck{t: t}
			l, err := New(dev, newExtractor(t, dev), gradientImage(32, 32), stripeImage(32, 32), cfg, WithCallbacks(check))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := l.Run(context.Background()); err != nil {
				t.Fatal(err)
			}
			if check.steps != 4 || l.Evaluations() != 4 {
				t.Errorf("steps=%d evaluations=%d, want 4 and 4", check.steps, l.Evaluations())
			}
		})
	}
}

func TestShapeMismatch(t *testing.T) {
	dev := layer.NewCPUDevice()
	v := newExtractor(t, dev)
	content := gradientImage(32, 32)

	if _, err := New(dev, v, content, gradientImage(32, 48), testConfig(1)); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("style mismatch: err = %v, want ErrShapeMismatch", err)
	}
	_, err := New(dev, v, content, gradientImage(32, 32), testConfig(1), WithMashup(gradientImage(16, 16), 0.5, 0.5))
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("mashup mismatch: err = %v, want ErrShapeMismatch", err)
	}

	gray := tensor.New(1, 32, 32)
	if _, err := New(dev, v, gray, tensor.New(1, 32, 32), testConfig(1)); !errors.Is(err, features.ErrChannels) {
		t.Errorf("gray input: err = %v, want ErrChannels", err)
	}
}

// cancelAfter cancels the run's context at the end of a given step.
type cancelAfter struct {
	BaseCallback
	step   int
	cancel context.CancelFunc
	steps  int
	ended  bool
}

func (c *cancelAfter) OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor) {
	c.steps++
	if step == c.step {
		c.cancel()
	}
}

func (c *cancelAfter) OnRunEnd(candidate *tensor.Tensor) { c.ended = true }

func TestCancellation(t *testing.T) {
	dev := layer.NewCPUDevice()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cb := &cancelAfter{step: 1, cancel: cancel}

	l, err := New(dev, newExtractor(t, dev), gradientImage(32, 32), noiseImage(2, 32, 32), testConfig(10), WithCallbacks(cb))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if cb.steps != 2 {
		t.Errorf("ran %d steps after cancelling at step 1, want 2", cb.steps)
	}
	if !cb.ended {
		t.Error("OnRunEnd not called on cancellation")
	}
}

func TestNonFiniteLoss(t *testing.T) {
	dev := layer.NewCPUDevice()
	content := gradientImage(32, 32)
	content.Data[100] = math.NaN()

	cfg := testConfig(2)
	l, err := New(dev, newExtractor(t, dev), content, noiseImage(1, 32, 32), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(context.Background()); err != nil {
		t.Errorf("without the guard a NaN loss should not stop the run: %v", err)
	}

	cfg.HaltOnNonFinite = true
	l, err = New(dev, newExtractor(t, dev), content, noiseImage(1, 32, 32), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(context.Background()); !errors.Is(err, ErrNonFinite) {
		t.Errorf("err = %v, want ErrNonFinite", err)
	}
}

func TestSnapshotAndCSVLogger(t *testing.T) {
	dev := layer.NewCPUDevice()
	path := filepath.Join(t.TempDir(), "loss.csv")
	var saved []int
	snap := &Snapshot{Every: 2, Save: func(step int, candidate *tensor.Tensor) error {
		saved = append(saved, step)
		return nil
	}}

	l, err := New(dev, newExtractor(t, dev), gradientImage(32, 32), stripeImage(32, 32), testConfig(5),
		WithCallbacks(snap, NewCSVLogger(path, false), &Logger{Interval: 5}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(saved) != 2 || saved[0] != 1 || saved[1] != 3 {
		t.Errorf("snapshots at steps %v, want [1 3]", saved)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 6 {
		t.Fatalf("csv has %d rows, want header + 5", len(rows))
	}
	if rows[0][0] != "step" || rows[5][0] != "4" {
		t.Errorf("unexpected csv rows: %v", rows)
	}
}
