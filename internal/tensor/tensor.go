// Package tensor provides the dense channel-major tensor shared by images
// and activation maps.
package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when two tensors that must agree in shape do not.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense float64 tensor stored row-major.
// Images and activation maps use the layout [C, H, W]; a leading batch
// dimension of 1 is accepted on input and removed by Squeeze.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New creates a zero-initialized tensor with the given shape.
func New(shape ...int) *Tensor {
	size := 1
	for _, v := range shape {
		size *= v
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float64, size)}
}

// FromSlice wraps data as a tensor of the given shape without copying.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	size := 1
	for _, v := range shape {
		size *= v
	}
	if size != len(data) {
		return nil, fmt.Errorf("tensor: %d values do not fill shape %v", len(data), shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Dims returns the channel, height and width of a [C, H, W] or [1, C, H, W] tensor.
func (t *Tensor) Dims() (c, h, w int, err error) {
	switch len(t.Shape) {
	case 3:
		return t.Shape[0], t.Shape[1], t.Shape[2], nil
	case 4:
		if t.Shape[0] != 1 {
			return 0, 0, 0, fmt.Errorf("tensor: batch size %d not supported", t.Shape[0])
		}
		return t.Shape[1], t.Shape[2], t.Shape[3], nil
	default:
		return 0, 0, 0, fmt.Errorf("tensor: expected rank 3 or 4, got shape %v", t.Shape)
	}
}

// Squeeze returns a [C, H, W] view of t sharing its data.
func (t *Tensor) Squeeze() (*Tensor, error) {
	c, h, w, err := t.Dims()
	if err != nil {
		return nil, err
	}
	return &Tensor{Shape: []int{c, h, w}, Data: t.Data}, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	s := make([]int, len(t.Shape))
	copy(s, t.Shape)
	d := make([]float64, len(t.Data))
	copy(d, t.Data)
	return &Tensor{Shape: s, Data: d}
}

// Clamp limits every element to [lo, hi] in place.
func (t *Tensor) Clamp(lo, hi float64) {
	Clamp(t.Data, lo, hi)
}

// Clamp limits every element of s to [lo, hi] in place.
func Clamp(s []float64, lo, hi float64) {
	for i, v := range s {
		if v < lo {
			s[i] = lo
		} else if v > hi {
			s[i] = hi
		}
	}
}

// Channel returns the data of channel c of a [C, H, W] tensor.
func (t *Tensor) Channel(c int) []float64 {
	plane := t.Shape[len(t.Shape)-2] * t.Shape[len(t.Shape)-1]
	return t.Data[c*plane : (c+1)*plane]
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// CheckSameShape returns ErrShapeMismatch, naming both tensors, when their
// [C, H, W] shapes differ. A leading batch dimension of 1 is ignored.
func CheckSameShape(nameA string, a *Tensor, nameB string, b *Tensor) error {
	if a == nil || b == nil {
		return fmt.Errorf("tensor: %s or %s is nil", nameA, nameB)
	}
	ca, ha, wa, err := a.Dims()
	if err != nil {
		return fmt.Errorf("%s: %w", nameA, err)
	}
	cb, hb, wb, err := b.Dims()
	if err != nil {
		return fmt.Errorf("%s: %w", nameB, err)
	}
	if ca != cb || ha != hb || wa != wb {
		return fmt.Errorf("%w: %s is [%d %d %d], %s is [%d %d %d]",
			ErrShapeMismatch, nameA, ca, ha, wa, nameB, cb, hb, wb)
	}
	return nil
}

// Equal reports whether a and b have the same shape and identical values.
func Equal(a, b *Tensor) bool {
	return SameShape(a, b) && floats.Equal(a.Data, b.Data)
}

// InRange reports whether every element lies in [lo, hi].
func (t *Tensor) InRange(lo, hi float64) bool {
	for _, v := range t.Data {
		if v < lo || v > hi {
			return false
		}
	}
	return true
}
