// Package palette reports the dominant colors of an image.
package palette

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"
	"strings"

	"github.com/cenkalti/dominantcolor"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
)

// Method selects the extraction algorithm.
type Method int

const (
	DominantColor Method = iota
	KMeans
)

func (m Method) String() string {
	switch m {
	case KMeans:
		return "kmeans"
	default:
		return "dominantcolor"
	}
}

// ParseMethod parses "dominantcolor" or "kmeans".
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "dominantcolor":
		return DominantColor, nil
	case "kmeans":
		return KMeans, nil
	default:
		return 0, fmt.Errorf("palette: unknown method %q", s)
	}
}

// maxSamples bounds the pixels fed to k-means.
const maxSamples = 12000

// Swatch is a palette color and its share of the image.
type Swatch struct {
	Color  colorful.Color
	Weight float64
}

// Hex returns the color as #rrggbb.
func (s Swatch) Hex() string {
	return s.Color.Clamped().Hex()
}

// Extract returns up to k swatches sorted by decreasing weight. Weights sum to 1.
func Extract(img image.Image, k int, method Method) ([]Swatch, error) {
	if k <= 0 {
		return nil, fmt.Errorf("palette: k must be positive, got %d", k)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errors.New("palette: empty image")
	}

	var swatches []Swatch
	var err error
	switch method {
	case KMeans:
		swatches, err = extractKMeans(img, k)
	default:
		swatches = extractDominant(img, k)
	}
	if err != nil {
		return nil, err
	}

	total := 0.0
	for _, s := range swatches {
		total += s.Weight
	}
	if total > 0 {
		for i := range swatches {
			swatches[i].Weight /= total
		}
	}
	sort.SliceStable(swatches, func(i, j int) bool { return swatches[i].Weight > swatches[j].Weight })
	return swatches, nil
}

func extractDominant(img image.Image, k int) []Swatch {
	found := dominantcolor.FindWeight(img, k)
	swatches := make([]Swatch, 0, len(found))
	for _, c := range found {
		col, _ := colorful.MakeColor(c.RGBA)
		swatches = append(swatches, Swatch{Color: col.Clamped(), Weight: c.Weight})
	}
	return swatches
}

func extractKMeans(img image.Image, k int) ([]Swatch, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	step := 1
	if w*h > maxSamples {
		step = int(math.Sqrt(float64(w*h)/maxSamples)) + 1
	}

	var dataset clusters.Observations
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			r, g, bl, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			dataset = append(dataset, clusters.Coordinates{
				float64(r) / 0xffff,
				float64(g) / 0xffff,
				float64(bl) / 0xffff,
			})
		}
	}
	if len(dataset) == 0 {
		return nil, errors.New("palette: image is fully transparent")
	}
	k = min(k, len(dataset))

	cc, err := kmeans.New().Partition(dataset, k)
	if err != nil {
		return nil, fmt.Errorf("palette: kmeans: %w", err)
	}
	swatches := make([]Swatch, 0, len(cc))
	for _, c := range cc {
		if len(c.Observations) == 0 || len(c.Center) < 3 {
			continue
		}
		col := colorful.Color{R: c.Center[0], G: c.Center[1], B: c.Center[2]}
		swatches = append(swatches, Swatch{Color: col.Clamped(), Weight: float64(len(c.Observations))})
	}
	return swatches, nil
}

// String formats swatches as "#rrggbb:0.42 #…".
func String(swatches []Swatch) string {
	parts := make([]string, len(swatches))
	for i, s := range swatches {
		parts[i] = fmt.Sprintf("%s:%.2f", s.Hex(), s.Weight)
	}
	return strings.Join(parts, " ")
}
