package imageio

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

// Grid tiles up to maxMaps channels of a [C, H, W] activation tensor into
// one grayscale image, cols tiles per row with a one-pixel gap. Each tile
// is min-max normalized on its own; a constant channel renders black.
func Grid(maps *tensor.Tensor, maxMaps, cols int) (*image.Gray, error) {
	c, h, w, err := maps.Dims()
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	if maxMaps <= 0 || cols <= 0 {
		return nil, fmt.Errorf("imageio: maxMaps and cols must be positive, got %d and %d", maxMaps, cols)
	}
	n := min(c, maxMaps)
	cols = min(cols, n)
	rows := (n + cols - 1) / cols

	img := image.NewGray(image.Rect(0, 0, cols*(w+1)-1, rows*(h+1)-1))
	plane := h * w
	for k := 0; k < n; k++ {
		ch := maps.Data[k*plane : (k+1)*plane]
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range ch {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		scale := 0.0
		if hi > lo {
			scale = 255 / (hi - lo)
		}
		ox, oy := (k%cols)*(w+1), (k/cols)*(h+1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := (ch[y*w+x] - lo) * scale
				img.SetGray(ox+x, oy+y, color.Gray{Y: uint8(math.Round(v))})
			}
		}
	}
	return img, nil
}
