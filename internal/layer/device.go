package layer

import (
	"fmt"
	"log"
	"runtime"
)

// DeviceType represents the hardware device used for computation.
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (t DeviceType) String() string {
	switch t {
	case GPU:
		return "gpu"
	default:
		return "cpu"
	}
}

// Device is the execution context threaded through every component that
// runs tensor computation. It owns a scratch workspace shared by all layers
// built on it; components using one Device must run on a single goroutine.
type Device interface {
	Type() DeviceType
	IsAvailable() bool
	// Scratch returns a buffer of length n. The contents are undefined and
	// the buffer is reused by the next call.
	Scratch(n int) []float64
}

// CPUDevice handles computations on the host CPU.
type CPUDevice struct {
	scratch []float64
}

// NewCPUDevice creates a CPU execution context.
func NewCPUDevice() *CPUDevice {
	return &CPUDevice{}
}

func (d *CPUDevice) Type() DeviceType  { return CPU }
func (d *CPUDevice) IsAvailable() bool { return true }

// Scratch returns the shared workspace resliced to n.
func (d *CPUDevice) Scratch(n int) []float64 {
	d.scratch = grow(d.scratch, n)
	return d.scratch
}

func (d *CPUDevice) String() string {
	return fmt.Sprintf("cpu(%s/%s, %d threads)", runtime.GOOS, runtime.GOARCH, runtime.GOMAXPROCS(0))
}

// GetDevice resolves a device name ("", "auto", "cpu" or "gpu").
// No accelerator backend is compiled in, so "gpu" degrades to the CPU with
// a warning instead of failing.
func GetDevice(name string) (Device, error) {
	switch name {
	case "", "auto", "cpu":
		return NewCPUDevice(), nil
	case "gpu":
		log.Printf("warning: GPU is not available; computations will be performed on CPU")
		return NewCPUDevice(), nil
	default:
		return nil, fmt.Errorf("unknown device %q", name)
	}
}
