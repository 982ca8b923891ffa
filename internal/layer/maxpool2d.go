package layer

import (
	"fmt"
	"math"
)

// MaxPool2D implements 2D max pooling.
// Downsamples by taking the maximum over sliding windows.
// Stores argmax indices for correct gradient flow during backward pass.
type MaxPool2D struct {
	// Pooling parameters
	kernelSize int
	stride     int
	padding    int

	in  Shape
	out Shape

	// Pre-allocated buffers
	outputBuf []float64
	gradInBuf []float64
	argmaxBuf []int // Stores index of max value for each output position
}

// NewMaxPool2D creates a new 2D max pooling layer.
// kernelSize: size of pooling window (square)
// stride: stride for pooling
// padding: implicit -Inf padding size
func NewMaxPool2D(kernelSize, stride, padding int) *MaxPool2D {
	return &MaxPool2D{
		kernelSize: kernelSize,
		stride:     stride,
		padding:    padding,
	}
}

// OutShape calculates the output shape for an input of shape in.
func (m *MaxPool2D) OutShape(in Shape) (Shape, error) {
	if in.H+2*m.padding < m.kernelSize || in.W+2*m.padding < m.kernelSize {
		return Shape{}, fmt.Errorf("maxpool2d: input %v too small for window %d", in, m.kernelSize)
	}
	// Output size: (input + 2*padding - kernel) / stride + 1
	outH := (in.H+2*m.padding-m.kernelSize)/m.stride + 1
	outW := (in.W+2*m.padding-m.kernelSize)/m.stride + 1
	return Shape{C: in.C, H: outH, W: outW}, nil
}

// Forward performs a forward pass through the max pooling layer.
func (m *MaxPool2D) Forward(input []float64, in Shape) []float64 {
	out, err := m.OutShape(in)
	if err != nil {
		panic(err)
	}
	m.in, m.out = in, out

	requiredOutput := out.Size()
	m.outputBuf = grow(m.outputBuf, requiredOutput)
	if cap(m.argmaxBuf) < requiredOutput {
		m.argmaxBuf = make([]int, requiredOutput)
	} else {
		m.argmaxBuf = m.argmaxBuf[:requiredOutput]
	}

	kernelSize := m.kernelSize
	stride := m.stride
	padding := m.padding
	channelStride := in.H * in.W
	outputChannelStride := out.H * out.W

	for c := 0; c < in.C; c++ {
		channelOffset := c * channelStride
		outputOffset := c * outputChannelStride

		for oh := 0; oh < out.H; oh++ {
			for ow := 0; ow < out.W; ow++ {
				maxVal := math.Inf(-1)
				maxIdx := -1

				for kh := 0; kh < kernelSize; kh++ {
					inH := oh*stride + kh - padding
					if inH < 0 || inH >= in.H {
						continue
					}
					for kw := 0; kw < kernelSize; kw++ {
						inW := ow*stride + kw - padding
						if inW < 0 || inW >= in.W {
							continue
						}
						idx := channelOffset + inH*in.W + inW
						if input[idx] > maxVal {
							maxVal = input[idx]
							maxIdx = idx
						}
					}
				}

				pos := outputOffset + oh*out.W + ow
				m.outputBuf[pos] = maxVal
				m.argmaxBuf[pos] = maxIdx
			}
		}
	}

	return m.outputBuf
}

// Backward performs backpropagation through the max pooling layer.
// Each output gradient is routed to the input position that held the maximum.
func (m *MaxPool2D) Backward(grad []float64) []float64 {
	m.gradInBuf = grow(m.gradInBuf, m.in.Size())
	gradIn := m.gradInBuf
	for i := range gradIn {
		gradIn[i] = 0
	}

	for pos, g := range grad[:m.out.Size()] {
		if maxIdx := m.argmaxBuf[pos]; maxIdx >= 0 {
			gradIn[maxIdx] += g
		}
	}
	return gradIn
}

// NumParams returns 0.
func (m *MaxPool2D) NumParams() int {
	return 0
}

func (m *MaxPool2D) String() string {
	return fmt.Sprintf("MaxPool2D(k=%d, s=%d)", m.kernelSize, m.stride)
}
