package layer

import (
	"math"
	"testing"
)

func TestMaxPool2DForward(t *testing.T) {
	// Test 2x2 max pooling with stride 2, no padding (single channel)
	pool := NewMaxPool2D(2, 2, 0)

	// Input: 4x4 = 16 values
	// 1  2  3  4
	// 5  6  7  8
	// 9  10 11 12
	// 13 14 15 16
	input := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	output := pool.Forward(input, Shape{C: 1, H: 4, W: 4})

	// Expected output: 2x2 = 4 values
	// max(1,2,5,6) = 6, max(3,4,7,8) = 8
	// max(9,10,13,14) = 14, max(11,12,15,16) = 16
	expected := []float64{6, 8, 14, 16}

	if len(output) != 4 {
		t.Fatalf("Output length = %d, expected 4", len(output))
	}

	for i := 0; i < 4; i++ {
		if math.Abs(output[i]-expected[i]) > 1e-10 {
			t.Errorf("Output[%d] = %f, expected %f", i, output[i], expected[i])
		}
	}
}

func TestMaxPool2DForwardStride(t *testing.T) {
	// Test with stride different from kernel size (single channel)
	pool := NewMaxPool2D(2, 1, 0)

	// Input: 3x3 = 9 values
	// 1 2 3
	// 4 5 6
	// 7 8 9
	input := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}

	output := pool.Forward(input, Shape{C: 1, H: 3, W: 3})

	// With stride 1 and kernel 2: output = 2x2 = 4
	expected := []float64{5, 6, 8, 9}

	if len(output) != 4 {
		t.Fatalf("Output length = %d, expected 4", len(output))
	}

	for i := 0; i < 4; i++ {
		if math.Abs(output[i]-expected[i]) > 1e-10 {
			t.Errorf("Output[%d] = %f, expected %f", i, output[i], expected[i])
		}
	}
}

func TestMaxPool2DOddInputFloors(t *testing.T) {
	pool := NewMaxPool2D(2, 2, 0)
	out, err := pool.OutShape(Shape{C: 3, H: 5, W: 7})
	if err != nil {
		t.Fatalf("OutShape() error: %v", err)
	}
	if out != (Shape{C: 3, H: 2, W: 3}) {
		t.Errorf("OutShape() = %v, expected [3 2 3]", out)
	}

	if _, err := pool.OutShape(Shape{C: 1, H: 1, W: 1}); err == nil {
		t.Error("expected error for 1x1 input")
	}
}

func TestMaxPool2DBackward(t *testing.T) {
	// Test backward pass (single channel)
	pool := NewMaxPool2D(2, 2, 0)

	// Input: 4x4 = 16 values
	input := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	pool.Forward(input, Shape{C: 1, H: 4, W: 4})

	// Pass gradient of all ones
	grad := []float64{1, 1, 1, 1}
	outputGrad := pool.Backward(grad)

	// Only the max positions should get gradient
	expected := []float64{0, 0, 0, 0, 0, 1, 0, 1, 0, 0, 0, 0, 0, 1, 0, 1}

	for i := 0; i < 16; i++ {
		if outputGrad[i] != expected[i] {
			t.Errorf("Grad[%d] = %f, expected %f", i, outputGrad[i], expected[i])
		}
	}
}

func TestMaxPool2DMultiChannel(t *testing.T) {
	pool := NewMaxPool2D(2, 2, 0)
	input := []float64{
		// channel 0
		1, 0,
		0, 0,
		// channel 1
		0, 0,
		0, -1,
	}
	out := pool.Forward(input, Shape{C: 2, H: 2, W: 2})
	if out[0] != 1 || out[1] != 0 {
		t.Errorf("output = %v, expected [1 0]", out)
	}
	// Ties route the gradient to the first maximum.
	grad := pool.Backward([]float64{5, 7})
	want := []float64{5, 0, 0, 0, 7, 0, 0, 0}
	for i := range want {
		if grad[i] != want[i] {
			t.Errorf("grad = %v, want %v", grad, want)
			break
		}
	}
}

func TestMaxPool2DParams(t *testing.T) {
	pool := NewMaxPool2D(2, 2, 0)
	if pool.NumParams() != 0 {
		t.Errorf("Expected 0 params, got %d", pool.NumParams())
	}
}
