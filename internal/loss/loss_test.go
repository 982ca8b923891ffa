package loss

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

var styleShapes = map[string][3]int{
	"conv1_1": {3, 6, 6},
	"conv2_1": {4, 3, 3},
	"conv3_1": {5, 2, 2},
	"conv4_1": {5, 2, 1},
	"conv5_1": {6, 1, 1},
}

func randomMap(rng *rand.Rand, c, h, w int) *tensor.Tensor {
	m := tensor.New(c, h, w)
	for i := range m.Data {
		m.Data[i] = rng.NormFloat64()
	}
	return m
}

func randomStyle(rng *rand.Rand) map[string]*tensor.Tensor {
	maps := make(map[string]*tensor.Tensor, len(styleShapes))
	for k, s := range styleShapes {
		maps[k] = randomMap(rng, s[0], s[1], s[2])
	}
	return maps
}

// TestMSEForward tests MSE forward pass.
func TestMSEForward(t *testing.T) {
	mse := MSE{}

	tests := []struct {
		name     string
		yPred    []float64
		yTrue    []float64
		expected float64
	}{
		{"Perfect prediction", []float64{1.0, 2.0, 3.0}, []float64{1.0, 2.0, 3.0}, 0.0},
		{"Single error", []float64{1.0, 2.0}, []float64{1.5, 2.0}, 0.125},           // (0.5^2 + 0) / 2 = 0.125
		{"Multiple errors", []float64{1.0, 2.0, 3.0}, []float64{0.0, 1.0, 2.0}, 1.0}, // (1+1+1)/3 = 1
		{"Large errors", []float64{10.0}, []float64{0.0}, 100.0},                     // 10^2 = 100
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := mse.Forward(tt.yPred, tt.yTrue)
			if math.Abs(result-tt.expected) > 1e-12 {
				t.Errorf("MSE.Forward() = %v, want %v", result, tt.expected)
			}
		})
	}
}

// TestMSEForwardLengthMismatch tests error handling.
func TestMSEForwardLengthMismatch(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for length mismatch")
		}
	}()

	MSE{}.Forward([]float64{1.0, 2.0}, []float64{1.0})
}

func TestMSEBackwardInPlace(t *testing.T) {
	grad := make([]float64, 2)
	MSE{}.BackwardInPlace([]float64{1.0, 2.0}, []float64{1.5, 2.0}, grad, 3)
	// 3 * 2 * (1 - 1.5) / 2 = -1.5
	if grad[0] != -1.5 || grad[1] != 0 {
		t.Errorf("grad = %v, want [-1.5 0]", grad)
	}
}

func TestGramKnownValues(t *testing.T) {
	// F = [[1 2] [3 4]], F·Fᵀ = [[5 11] [11 25]], C·h·w = 4
	m, _ := tensor.FromSlice([]float64{1, 2, 3, 4}, 2, 1, 2)
	g := Gram(m)
	want := mat.NewDense(2, 2, []float64{1.25, 2.75, 2.75, 6.25})
	if !mat.EqualApprox(g, want, 1e-12) {
		t.Errorf("Gram = %v, want %v", mat.Formatted(g), mat.Formatted(want))
	}
}

func TestGramSymmetricPSD(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, s := range [][3]int{{1, 4, 4}, {3, 5, 7}, {8, 2, 2}, {16, 1, 3}} {
		g := Gram(randomMap(rng, s[0], s[1], s[2]))
		c := s[0]

		sym := mat.NewSymDense(c, nil)
		for i := 0; i < c; i++ {
			for j := 0; j < c; j++ {
				if math.Abs(g.At(i, j)-g.At(j, i)) > 1e-12 {
					t.Fatalf("shape %v: G[%d,%d]=%v, G[%d,%d]=%v", s, i, j, g.At(i, j), j, i, g.At(j, i))
				}
				if j >= i {
					sym.SetSym(i, j, g.At(i, j))
				}
			}
		}

		var eig mat.EigenSym
		if !eig.Factorize(sym, false) {
			t.Fatalf("shape %v: eigendecomposition failed", s)
		}
		for _, v := range eig.Values(nil) {
			if v < -1e-10 {
				t.Errorf("shape %v: negative eigenvalue %v", s, v)
			}
		}
	}
}

func TestContentLossZeroIffEqual(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := randomMap(rng, 4, 3, 3)
	if got := ContentLoss(a, a.Clone()); got != 0 {
		t.Errorf("ContentLoss(a, a) = %v, want 0", got)
	}

	b := a.Clone()
	b.Data[5] += 1e-3
	if got := ContentLoss(a, b); got <= 0 {
		t.Errorf("ContentLoss(a, b) = %v, want > 0", got)
	}
}

func TestContentGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	target := randomMap(rng, 3, 2, 2)
	generated := randomMap(rng, 3, 2, 2)
	grad := make([]float64, generated.Len())
	ContentGrad(target, generated, grad, 2)

	const eps = 1e-6
	for i := range generated.Data {
		x := generated.Clone()
		x.Data[i] += eps
		plus := ContentLoss(target, x)
		x.Data[i] -= 2 * eps
		minus := ContentLoss(target, x)
		numeric := 2 * (plus - minus) / (2 * eps)
		if math.Abs(numeric-grad[i]) > 1e-6 {
			t.Errorf("grad[%d] = %v, numeric %v", i, grad[i], numeric)
		}
	}
}

// TestStyleLossSpatialPermutation checks that maps with different
// activations but equal Gram matrices have (numerically) zero style loss.
func TestStyleLossSpatialPermutation(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	targets := randomStyle(rng)
	permuted := make(map[string]*tensor.Tensor, len(targets))
	for k, m := range targets {
		c, h, w, _ := m.Dims()
		p := tensor.New(c, h, w)
		for ch := 0; ch < c; ch++ {
			src, dst := m.Channel(ch), p.Channel(ch)
			for i := range src {
				dst[len(dst)-1-i] = src[i]
			}
		}
		permuted[k] = p
	}

	if got := StyleLoss(targets, targets); got != 0 {
		t.Errorf("StyleLoss(t, t) = %v, want 0", got)
	}
	if got := StyleLoss(targets, permuted); got > 1e-24 {
		t.Errorf("StyleLoss under spatial permutation = %v, want ~0", got)
	}
	if ContentLoss(targets["conv1_1"], permuted["conv1_1"]) == 0 {
		t.Fatal("permutation should change the activations")
	}
	if got := StyleLoss(targets, randomStyle(rng)); got <= 0 {
		t.Errorf("StyleLoss of unrelated maps = %v, want > 0", got)
	}
}

func TestMashupDegeneracy(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 5; i++ {
		t1, t2, gen := randomStyle(rng), randomStyle(rng), randomStyle(rng)
		if got, want := MashupStyleLoss(t1, t2, gen, 1, 0), StyleLoss(t1, gen); got != want {
			t.Errorf("MashupStyleLoss(1, 0) = %v, StyleLoss = %v", got, want)
		}
	}
}

// TestMashupEqualWeights checks the blend identity
// mse(G, (T1+T2)/2) = (mse(G,T1) + mse(G,T2))/2 - mse(T1,T2)/4 per layer.
func TestMashupEqualWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	t1, t2, gen := randomStyle(rng), randomStyle(rng), randomStyle(rng)

	spread := 0.0
	for _, k := range features.StyleLayers {
		spread += GramLoss(Gram(t1[k]), t2[k], nil)
	}
	want := (StyleLoss(t1, gen)+StyleLoss(t2, gen))/2 - spread/4
	got := MashupStyleLoss(t1, t2, gen, 0.5, 0.5)
	if math.Abs(got-want) > 1e-12*math.Max(1, math.Abs(want)) {
		t.Errorf("MashupStyleLoss(0.5, 0.5) = %v, want %v", got, want)
	}

	// Weights are a raw linear blend and need not sum to 1.
	if MashupStyleLoss(t1, t2, gen, 2, 2) == MashupStyleLoss(t1, t2, gen, 0.5, 0.5) {
		t.Error("scaling both weights should change the loss")
	}
}

func TestGramLossGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	gen := randomMap(rng, 3, 2, 4)
	target := Gram(randomMap(rng, 3, 2, 4))

	grad := make([]float64, gen.Len())
	GramLoss(target, gen, grad)
	checkGradient(t, "GramLoss", gen.Data, grad, func() float64 {
		return GramLoss(target, gen, nil)
	})
}

func TestObjectiveEvaluate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	target := &features.Bundle{Content: randomMap(rng, 4, 2, 2), Style: randomStyle(rng)}
	gen := &features.Bundle{Content: randomMap(rng, 4, 2, 2), Style: randomStyle(rng)}

	o := &Objective{
		Content:       target.Content,
		Style:         NewSingleStyle(target.Style),
		ContentWeight: 2,
		StyleWeight:   10,
	}
	grad := &features.Gradients{}
	terms := o.Evaluate(gen, grad)

	if want := ContentLoss(target.Content, gen.Content); terms.Content != want {
		t.Errorf("Content = %v, want %v", terms.Content, want)
	}
	if want := StyleLoss(target.Style, gen.Style); math.Abs(terms.Style-want) > 1e-15 {
		t.Errorf("Style = %v, want %v", terms.Style, want)
	}
	if want := 2*terms.Content + 10*terms.Style; terms.Total != want {
		t.Errorf("Total = %v, want %v", terms.Total, want)
	}
	if len(grad.Style) != len(features.StyleLayers) {
		t.Fatalf("got %d style gradients, want %d", len(grad.Style), len(features.StyleLayers))
	}

	total := func() float64 { return o.Evaluate(gen, nil).Total }
	checkGradient(t, "content", gen.Content.Data, grad.Content, total)
	for _, k := range features.StyleLayers {
		checkGradient(t, k, gen.Style[k].Data, grad.Style[k], total)
	}
}

func TestObjectiveReusesGradientBuffers(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	target := &features.Bundle{Content: randomMap(rng, 2, 2, 2), Style: randomStyle(rng)}
	o := &Objective{Content: target.Content, Style: NewSingleStyle(target.Style), ContentWeight: 1, StyleWeight: 1}

	grad := &features.Gradients{}
	o.Evaluate(&features.Bundle{Content: randomMap(rng, 2, 2, 2), Style: randomStyle(rng)}, grad)
	first := grad.Style["conv3_1"]

	gen := &features.Bundle{Content: randomMap(rng, 2, 2, 2), Style: randomStyle(rng)}
	o.Evaluate(gen, grad)
	if &grad.Style["conv3_1"][0] != &first[0] {
		t.Error("style gradient buffer was reallocated")
	}

	// A second evaluation must not accumulate onto the first.
	fresh := &features.Gradients{}
	o.Evaluate(gen, fresh)
	for i := range fresh.Content {
		if fresh.Content[i] != grad.Content[i] {
			t.Fatalf("content gradient differs at %d: %v vs %v", i, grad.Content[i], fresh.Content[i])
		}
	}
}

func TestMissingStyleMapPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for missing style map")
		}
	}()
	rng := rand.New(rand.NewSource(9))
	targets := randomStyle(rng)
	delete(targets, "conv5_1")
	NewSingleStyle(targets)
}

// checkGradient compares grad with central finite differences of f with
// respect to every element of x.
func checkGradient(t *testing.T, name string, x, grad []float64, f func() float64) {
	t.Helper()
	const eps = 1e-6
	for i := range x {
		orig := x[i]
		x[i] = orig + eps
		plus := f()
		x[i] = orig - eps
		minus := f()
		x[i] = orig

		numeric := (plus - minus) / (2 * eps)
		if math.Abs(numeric-grad[i]) > 1e-5*math.Max(1, math.Abs(numeric)) {
			t.Errorf("%s[%d]: analytic %v, numeric %v", name, i, grad[i], numeric)
		}
	}
}
