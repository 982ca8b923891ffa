// Package weights loads and saves pretrained network parameters.
//
// A Store maps state-dict names (for example "features.0.weight") to
// float32 tensors. Files are read and written as safetensors or GGUF,
// selected by extension.
package weights

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Tensor is a named parameter tensor in row-major order.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Store holds parameter tensors by name.
type Store map[string]*Tensor

// Names returns the tensor names in sorted order.
func (s Store) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Float64 returns tensor name converted to float64 after checking its shape.
func (s Store) Float64(name string, shape ...int) ([]float64, error) {
	t, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("weights: missing tensor %q", name)
	}
	if !sameShape(t.Shape, shape) {
		return nil, fmt.Errorf("weights: tensor %q has shape %v, expected %v", name, t.Shape, shape)
	}
	out := make([]float64, len(t.Data))
	for i, v := range t.Data {
		out[i] = float64(v)
	}
	return out, nil
}

// Format identifies an on-disk weight format.
type Format int

const (
	FormatSafetensors Format = iota
	FormatGGUF
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return FormatSafetensors, nil
	case ".gguf":
		return FormatGGUF, nil
	default:
		return 0, fmt.Errorf("weights: unsupported file extension %q (want .safetensors or .gguf)", filepath.Ext(path))
	}
}

// Load reads a weight file, dispatching on its extension.
func Load(path string) (Store, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatGGUF:
		return LoadGGUF(path)
	default:
		return LoadSafetensors(path)
	}
}

// Save writes s to path, dispatching on its extension. Tensors are stored as F32.
func (s Store) Save(path string) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	switch format {
	case FormatGGUF:
		return s.SaveGGUF(path, GGMLTypeF32)
	default:
		return s.SaveSafetensors(path)
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
