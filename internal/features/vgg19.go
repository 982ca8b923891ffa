// Package features extracts content and style activation maps from a frozen
// VGG19 network and back-propagates map gradients to the input pixels.
package features

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/GoStyle/internal/layer"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
	"github.com/FlavioCFOliveira/GoStyle/internal/weights"
)

// ErrChannels is returned when an input image does not have 3 channels.
var ErrChannels = errors.New("features: input must have 3 channels")

// ContentLayer is the key of the content capture.
const ContentLayer = "conv4_2"

// StyleLayers lists the style capture keys in increasing depth.
var StyleLayers = []string{"conv1_1", "conv2_1", "conv3_1", "conv4_1", "conv5_1"}

// Maps are taken after the ReLU that follows each named convolution,
// except conv5_1 which ends the truncated network and is taken raw.
const (
	contentIndex = 22
	lastIndex    = 28
)

var styleIndices = []int{1, 6, 11, 20, 28}

// blockConvs holds the index of the first convolution of each block.
var blockConvs = [5]int{0, 5, 10, 19, 28}

// ImageNet normalization constants of the pretrained network.
var (
	Mean = [3]float64{0.485, 0.456, 0.406}
	Std  = [3]float64{0.229, 0.224, 0.225}
)

// convsPerBlock is the VGG19 layout; blocks are separated by 2x2 max pooling.
var convsPerBlock = [5]int{2, 2, 4, 4, 4}

// Arch holds the output channel count of each of the five convolution blocks.
type Arch [5]int

// ArchVGG19 is the torchvision VGG19 layout.
var ArchVGG19 = Arch{64, 128, 256, 512, 512}

// ParseArch parses five comma-separated channel widths.
func ParseArch(s string) (Arch, error) {
	var a Arch
	parts := strings.Split(s, ",")
	if len(parts) != len(a) {
		return a, fmt.Errorf("features: expected %d widths, got %q", len(a), s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return a, fmt.Errorf("features: invalid width %q", p)
		}
		a[i] = n
	}
	return a, nil
}

func (a Arch) String() string {
	parts := make([]string, len(a))
	for i, n := range a {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// InferArch reads the block widths from the first convolution of each block.
func InferArch(store weights.Store) (Arch, error) {
	var a Arch
	for b, idx := range blockConvs {
		t, ok := store[weightName(idx)]
		if !ok || len(t.Shape) != 4 {
			return a, fmt.Errorf("features: cannot infer width of block %d from %s", b+1, weightName(idx))
		}
		a[b] = t.Shape[0]
	}
	return a, nil
}

// ConvIndices returns the layer indices of the convolutions in the truncated
// network together with their input and output channel counts.
func (a Arch) ConvIndices() (idx, in, out []int) {
	i, c := 0, 3
	for b, n := range convsPerBlock {
		for j := 0; j < n && i <= lastIndex; j++ {
			idx = append(idx, i)
			in = append(in, c)
			out = append(out, a[b])
			c = a[b]
			i += 2 // conv, relu
		}
		i++ // pool
	}
	return idx, in, out
}

func weightName(i int) string { return fmt.Sprintf("features.%d.weight", i) }
func biasName(i int) string   { return fmt.Sprintf("features.%d.bias", i) }

// Bundle holds the activation maps captured from one image.
type Bundle struct {
	Content *tensor.Tensor
	Style   map[string]*tensor.Tensor
}

// Gradients holds the loss gradient with respect to each captured map.
// Nil entries contribute nothing.
type Gradients struct {
	Content []float64
	Style   map[string][]float64
}

// Extractor maps an image to its feature bundle and back-propagates
// gradients on that bundle to the image pixels.
type Extractor interface {
	Extract(img *tensor.Tensor) (*Bundle, error)
	// Backward returns dL/dpixels for the most recent Extract.
	Backward(grad *Gradients) (*tensor.Tensor, error)
}

// VGG19 is the frozen VGG19 feature stack truncated after conv5_1.
type VGG19 struct {
	arch   Arch
	layers []layer.Layer

	// State of the most recent Extract
	in        layer.Shape
	outShapes []layer.Shape
	normBuf   []float64
	gradBuf   []float64
	extracted bool
}

// NewVGG19 builds the network on dev and loads its convolution parameters
// from store. Every needed tensor must be present with the expected shape.
func NewVGG19(dev layer.Device, arch Arch, store weights.Store) (*VGG19, error) {
	idx, in, out := arch.ConvIndices()
	convs := make(map[int]*layer.Conv2D, len(idx))
	for k, i := range idx {
		conv := layer.NewConv2D(dev, in[k], out[k], 3, 1, 1, nil)
		w, err := store.Float64(weightName(i), out[k], in[k], 3, 3)
		if err != nil {
			return nil, err
		}
		b, err := store.Float64(biasName(i), out[k])
		if err != nil {
			return nil, err
		}
		if err := conv.SetWeights(w, b); err != nil {
			return nil, fmt.Errorf("features: layer %d: %w", i, err)
		}
		convs[i] = conv
	}

	layers := make([]layer.Layer, 0, lastIndex+1)
	for len(layers) <= lastIndex {
		i := len(layers)
		switch {
		case convs[i] != nil:
			layers = append(layers, convs[i])
		case convs[i-1] != nil:
			layers = append(layers, layer.NewReLU())
		default:
			layers = append(layers, layer.NewMaxPool2D(2, 2, 0))
		}
	}

	return &VGG19{
		arch:      arch,
		layers:    layers,
		outShapes: make([]layer.Shape, len(layers)),
	}, nil
}

// Arch returns the block widths.
func (v *VGG19) Arch() Arch {
	return v.arch
}

// Layers returns the layer stack (indices 0 to 28).
func (v *VGG19) Layers() []layer.Layer {
	return v.layers
}

// Extract normalizes img and runs it through the network, returning copies
// of the captured maps. img must be [3, H, W] or [1, 3, H, W].
func (v *VGG19) Extract(img *tensor.Tensor) (*Bundle, error) {
	c, h, w, err := img.Dims()
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}
	if c != 3 {
		return nil, fmt.Errorf("%w: got %d", ErrChannels, c)
	}
	v.extracted = false

	plane := h * w
	v.in = layer.Shape{C: c, H: h, W: w}
	v.normBuf = grow(v.normBuf, v.in.Size())
	for ch := 0; ch < 3; ch++ {
		src := img.Data[ch*plane : (ch+1)*plane]
		dst := v.normBuf[ch*plane : (ch+1)*plane]
		for i, p := range src {
			dst[i] = (p - Mean[ch]) / Std[ch]
		}
	}

	bundle := &Bundle{Style: make(map[string]*tensor.Tensor, len(StyleLayers))}
	x, shape := v.normBuf, v.in
	for i, l := range v.layers {
		out, err := l.OutShape(shape)
		if err != nil {
			return nil, fmt.Errorf("features: layer %d: %w", i, err)
		}
		x = l.Forward(x, shape)
		shape = out
		v.outShapes[i] = out

		if i == contentIndex {
			bundle.Content = capture(x, out)
		}
		if k := styleKey(i); k != "" {
			bundle.Style[k] = capture(x, out)
		}
	}
	v.extracted = true
	return bundle, nil
}

// Backward injects each map gradient at its capture index and walks the
// layers in reverse. The result is the gradient with respect to the
// un-normalized pixels, shaped [3, H, W].
func (v *VGG19) Backward(grad *Gradients) (*tensor.Tensor, error) {
	if !v.extracted {
		return nil, errors.New("features: Backward called before Extract")
	}

	var g []float64
	for i := len(v.layers) - 1; i >= 0; i-- {
		inj := v.injected(grad, i)
		if inj != nil {
			if len(inj) != v.outShapes[i].Size() {
				return nil, fmt.Errorf("features: gradient for layer %d has %d values, map has %d",
					i, len(inj), v.outShapes[i].Size())
			}
			if g == nil {
				v.gradBuf = grow(v.gradBuf, len(inj))
				copy(v.gradBuf, inj)
				g = v.gradBuf
			} else {
				floats.Add(g, inj)
			}
		}
		if g == nil {
			continue
		}
		g = v.layers[i].Backward(g)
	}

	out := tensor.New(v.in.C, v.in.H, v.in.W)
	if g == nil {
		return out, nil
	}
	plane := v.in.H * v.in.W
	for ch := 0; ch < 3; ch++ {
		dst := out.Data[ch*plane : (ch+1)*plane]
		floats.ScaleTo(dst, 1/Std[ch], g[ch*plane:(ch+1)*plane])
	}
	return out, nil
}

func (v *VGG19) injected(grad *Gradients, i int) []float64 {
	if grad == nil {
		return nil
	}
	var inj []float64
	if i == contentIndex {
		inj = grad.Content
	}
	if k := styleKey(i); k != "" && grad.Style[k] != nil {
		if inj != nil {
			sum := make([]float64, len(inj))
			floats.AddTo(sum, inj, grad.Style[k])
			return sum
		}
		inj = grad.Style[k]
	}
	return inj
}

// Summary writes the layer table for an input of shape in.
func (v *VGG19) Summary(w io.Writer, in layer.Shape) error {
	fmt.Fprintln(w, "Model: VGG19 features[:29]")
	fmt.Fprintln(w, "_________________________________________________________________")
	fmt.Fprintf(w, "%-25s %-20s %-10s\n", "Layer (type)", "Output Shape", "Param #")
	fmt.Fprintln(w, "=================================================================")

	totalParams := 0
	shape := in
	for i, l := range v.layers {
		out, err := l.OutShape(shape)
		if err != nil {
			return fmt.Errorf("features: layer %d: %w", i, err)
		}
		shape = out
		params := l.NumParams()
		totalParams += params

		name := fmt.Sprintf("%v_%d", l, i)
		if k := captureKey(i); k != "" {
			name += " <" + k + ">"
		}
		fmt.Fprintf(w, "%-25s %-20s %-10d\n", name, out, params)
	}
	fmt.Fprintln(w, "=================================================================")
	fmt.Fprintf(w, "Total params: %d\n", totalParams)
	_, err := fmt.Fprintln(w, "_________________________________________________________________")
	return err
}

func styleKey(i int) string {
	for k, idx := range styleIndices {
		if idx == i {
			return StyleLayers[k]
		}
	}
	return ""
}

func captureKey(i int) string {
	if i == contentIndex {
		return ContentLayer
	}
	return styleKey(i)
}

func capture(x []float64, s layer.Shape) *tensor.Tensor {
	t := tensor.New(s.C, s.H, s.W)
	copy(t.Data, x)
	return t
}

func grow(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	return buf[:n]
}
