package layer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/GoStyle/internal/activations"
)

// Conv2D implements a frozen 2D convolutional layer.
// The convolution is lowered to a matrix product (im2col) so the heavy
// lifting runs through gonum's GEMM. The column matrix lives in the
// device scratch workspace and is not kept between calls.
type Conv2D struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	// Weights: [outChannels, inChannels, kernelSize, kernelSize]
	// Row o of the [outChannels, inChannels*kernelSize*kernelSize] matrix view
	// holds output channel o.
	weights []float64
	biases  []float64

	activation activations.Activation

	// State of the most recent Forward
	in        Shape
	out       Shape
	preActBuf []float64
	outputBuf []float64
	dzBuf     []float64
	gradInBuf []float64

	device Device
}

// NewConv2D creates a 2D convolutional layer with zeroed parameters.
// inChannels: number of input channels
// outChannels: number of output feature maps
// kernelSize: size of convolutional kernel (square)
// stride: stride for convolution
// padding: zero padding size
func NewConv2D(device Device, inChannels, outChannels, kernelSize, stride, padding int,
	activation activations.Activation) *Conv2D {
	if activation == nil {
		activation = activations.Linear{}
	}
	return &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		weights:     make([]float64, outChannels*inChannels*kernelSize*kernelSize),
		biases:      make([]float64, outChannels),
		activation:  activation,
		device:      device,
	}
}

// OutShape calculates the output shape for an input of shape in.
func (c *Conv2D) OutShape(in Shape) (Shape, error) {
	if in.C != c.inChannels {
		return Shape{}, fmt.Errorf("conv2d: expected %d input channels, got %d", c.inChannels, in.C)
	}
	if in.H+2*c.padding < c.kernelSize || in.W+2*c.padding < c.kernelSize {
		return Shape{}, fmt.Errorf("conv2d: input %v too small for kernel %d", in, c.kernelSize)
	}
	// Output size: (input + 2*padding - kernel) / stride + 1
	outH := (in.H+2*c.padding-c.kernelSize)/c.stride + 1
	outW := (in.W+2*c.padding-c.kernelSize)/c.stride + 1
	return Shape{C: c.outChannels, H: outH, W: outW}, nil
}

// SetWeights copies weights ([out, in, k, k] flattened) and biases into the layer.
func (c *Conv2D) SetWeights(weights, biases []float64) error {
	if len(weights) != len(c.weights) {
		return fmt.Errorf("conv2d: expected %d weights, got %d", len(c.weights), len(weights))
	}
	if len(biases) != len(c.biases) {
		return fmt.Errorf("conv2d: expected %d biases, got %d", len(c.biases), len(biases))
	}
	copy(c.weights, weights)
	copy(c.biases, biases)
	return nil
}

// Forward performs a forward pass through the convolutional layer.
// x: flattened [inChannels, in.H, in.W]
// Returns: flattened [outChannels, outH, outW]
func (c *Conv2D) Forward(x []float64, in Shape) []float64 {
	out, err := c.OutShape(in)
	if err != nil {
		panic(err)
	}
	if len(x) != in.Size() {
		panic(fmt.Sprintf("conv2d: input length %d does not match shape %v", len(x), in))
	}
	c.in, c.out = in, out

	outSize := out.H * out.W
	k := c.inChannels * c.kernelSize * c.kernelSize
	col := c.device.Scratch(k * outSize)
	c.im2col(x, col)

	c.preActBuf = grow(c.preActBuf, out.Size())
	c.outputBuf = grow(c.outputBuf, out.Size())

	w := mat.NewDense(c.outChannels, k, c.weights)
	z := mat.NewDense(c.outChannels, outSize, c.preActBuf)
	z.Mul(w, mat.NewDense(k, outSize, col))

	for oc := 0; oc < c.outChannels; oc++ {
		bias := c.biases[oc]
		base := oc * outSize
		for i := base; i < base+outSize; i++ {
			c.preActBuf[i] += bias
			c.outputBuf[i] = c.activation.Activate(c.preActBuf[i])
		}
	}
	return c.outputBuf
}

// Backward performs backpropagation through the convolutional layer.
// grad: gradient of loss w.r.t. activated output (shape: [outChannels, outH, outW] flattened)
// Returns: gradient of loss w.r.t. input
func (c *Conv2D) Backward(grad []float64) []float64 {
	outSize := c.out.H * c.out.W
	k := c.inChannels * c.kernelSize * c.kernelSize

	// dL/dz = dL/d(output) * activation'(z)
	c.dzBuf = grow(c.dzBuf, len(grad))
	for i, g := range grad {
		c.dzBuf[i] = g * c.activation.Derivative(c.preActBuf[i])
	}

	// dL/dcol = W^T * dL/dz, then scattered back onto the input grid
	dcol := c.device.Scratch(k * outSize)
	w := mat.NewDense(c.outChannels, k, c.weights)
	d := mat.NewDense(k, outSize, dcol)
	d.Mul(w.T(), mat.NewDense(c.outChannels, outSize, c.dzBuf))

	c.gradInBuf = grow(c.gradInBuf, c.in.Size())
	c.col2im(dcol, c.gradInBuf)
	return c.gradInBuf
}

// im2col unrolls every receptive field of x into a column of col.
// Row (ic*k+kh)*k+kw of col holds input channel ic at kernel offset (kh, kw)
// for every output position, matching the weight layout.
func (c *Conv2D) im2col(x, col []float64) {
	in, out := c.in, c.out
	ks, stride, pad := c.kernelSize, c.stride, c.padding
	outSize := out.H * out.W

	for ic := 0; ic < in.C; ic++ {
		chanOffset := ic * in.H * in.W
		for kh := 0; kh < ks; kh++ {
			for kw := 0; kw < ks; kw++ {
				row := (ic*ks+kh)*ks + kw
				dst := col[row*outSize : (row+1)*outSize]
				for oh := 0; oh < out.H; oh++ {
					inH := oh*stride + kh - pad
					rowDst := dst[oh*out.W : (oh+1)*out.W]
					if inH < 0 || inH >= in.H {
						for i := range rowDst {
							rowDst[i] = 0
						}
						continue
					}
					src := x[chanOffset+inH*in.W : chanOffset+(inH+1)*in.W]
					for ow := range rowDst {
						inW := ow*stride + kw - pad
						if inW >= 0 && inW < in.W {
							rowDst[ow] = src[inW]
						} else {
							rowDst[ow] = 0
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it accumulates every column entry back
// onto the input position it was read from.
func (c *Conv2D) col2im(col, gradIn []float64) {
	in, out := c.in, c.out
	ks, stride, pad := c.kernelSize, c.stride, c.padding
	outSize := out.H * out.W

	for i := range gradIn {
		gradIn[i] = 0
	}
	for ic := 0; ic < in.C; ic++ {
		chanOffset := ic * in.H * in.W
		for kh := 0; kh < ks; kh++ {
			for kw := 0; kw < ks; kw++ {
				row := (ic*ks+kh)*ks + kw
				src := col[row*outSize : (row+1)*outSize]
				for oh := 0; oh < out.H; oh++ {
					inH := oh*stride + kh - pad
					if inH < 0 || inH >= in.H {
						continue
					}
					dst := gradIn[chanOffset+inH*in.W : chanOffset+(inH+1)*in.W]
					rowSrc := src[oh*out.W : (oh+1)*out.W]
					for ow, v := range rowSrc {
						inW := ow*stride + kw - pad
						if inW >= 0 && inW < in.W {
							dst[inW] += v
						}
					}
				}
			}
		}
	}
}

// NumParams returns the number of weights and biases.
func (c *Conv2D) NumParams() int {
	return len(c.weights) + len(c.biases)
}

func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(%d, %d, k=%d, s=%d, p=%d)",
		c.inChannels, c.outChannels, c.kernelSize, c.stride, c.padding)
}
