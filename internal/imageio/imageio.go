// Package imageio converts between image files and [3, H, W] tensors in [0, 1].
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"github.com/lucasb-eyer/go-colorful"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

// JPEGQuality is the quality used for .jpg and .jpeg output.
const JPEGQuality = 95

// Load decodes the image at path and resizes it so that its shorter side
// equals size, keeping the aspect ratio. size <= 0 keeps the native size.
func Load(path string, size int) (*tensor.Tensor, error) {
	img, err := imgio.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: open %s: %w", path, err)
	}
	if size > 0 {
		w, h := ShorterSide(img.Bounds().Dx(), img.Bounds().Dy(), size)
		img = resize(img, w, h)
	}
	return FromImage(img), nil
}

// LoadPair loads a content and a style image at the same working size.
// With force the style image is resized to the content's exact dimensions,
// which lets images of different aspect ratios be combined.
func LoadPair(contentPath, stylePath string, size int, force bool) (content, style *tensor.Tensor, err error) {
	content, err = Load(contentPath, size)
	if err != nil {
		return nil, nil, err
	}
	if !force {
		style, err = Load(stylePath, size)
		if err != nil {
			return nil, nil, err
		}
		return content, style, nil
	}

	img, err := imgio.Open(stylePath)
	if err != nil {
		return nil, nil, fmt.Errorf("imageio: open %s: %w", stylePath, err)
	}
	return content, FromImage(resize(img, content.Shape[2], content.Shape[1])), nil
}

// ShorterSide returns the dimensions of a w×h image scaled so that its
// shorter side is size. The longer side is truncated.
func ShorterSide(w, h, size int) (int, int) {
	if w <= h {
		return size, int(float64(size) * float64(h) / float64(w))
	}
	return int(float64(size) * float64(w) / float64(h)), size
}

func resize(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	return transform.Resize(img, w, h, transform.Linear)
}

// FromImage converts img to a [3, H, W] tensor with values in [0, 1].
// Alpha is ignored.
func FromImage(img image.Image) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := tensor.New(3, h, w)
	r, g, bl := t.Channel(0), t.Channel(1), t.Channel(2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			r[i] = float64(c.R) / 255
			g[i] = float64(c.G) / 255
			bl[i] = float64(c.B) / 255
		}
	}
	return t
}

// ToImage converts a [3, H, W] or [1, 3, H, W] tensor to an opaque RGBA
// image. Values are scaled by 255, clipped and rounded.
func ToImage(t *tensor.Tensor) (*image.RGBA, error) {
	c, h, w, err := t.Dims()
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	if c != 3 {
		return nil, fmt.Errorf("imageio: expected 3 channels, got %d", c)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(t.Data[i]),
				G: toByte(t.Data[plane+i]),
				B: toByte(t.Data[2*plane+i]),
				A: 255,
			})
		}
	}
	return img, nil
}

func toByte(v float64) uint8 {
	v *= 255
	if !(v > 0) {
		return 0
	}
	if v >= 254.5 {
		return 255
	}
	return uint8(v + 0.5)
}

// Save writes t to path. A positive width and height resize the image
// before encoding. The encoder is chosen by extension: .jpg/.jpeg, .png or .bmp.
func Save(path string, t *tensor.Tensor, width, height int) error {
	encoder, err := encoderFor(path)
	if err != nil {
		return err
	}
	img, err := ToImage(t)
	if err != nil {
		return err
	}
	var out image.Image = img
	if width > 0 && height > 0 {
		out = resize(img, width, height)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("imageio: %w", err)
		}
	}
	if err := imgio.Save(path, out, encoder); err != nil {
		return fmt.Errorf("imageio: save %s: %w", path, err)
	}
	return nil
}

func encoderFor(path string) (imgio.Encoder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return imgio.JPEGEncoder(JPEGQuality), nil
	case ".png":
		return imgio.PNGEncoder(), nil
	case ".bmp":
		return imgio.BMPEncoder(), nil
	default:
		return nil, fmt.Errorf("imageio: unsupported output format %q", filepath.Ext(path))
	}
}

// PreserveColor returns output recolored with the chroma of content: every
// pixel keeps the L* of output and takes a* and b* from content.
func PreserveColor(output, content *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckSameShape("output", output, "content", content); err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	o, err := output.Squeeze()
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	c, err := content.Squeeze()
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	if o.Shape[0] != 3 {
		return nil, fmt.Errorf("imageio: expected 3 channels, got %d", o.Shape[0])
	}

	res := tensor.New(o.Shape...)
	plane := o.Shape[1] * o.Shape[2]
	for i := 0; i < plane; i++ {
		l, _, _ := pixel(o, i, plane).Lab()
		_, a, b := pixel(c, i, plane).Lab()
		col := colorful.Lab(l, a, b).Clamped()
		res.Data[i] = col.R
		res.Data[plane+i] = col.G
		res.Data[2*plane+i] = col.B
	}
	return res, nil
}

func pixel(t *tensor.Tensor, i, plane int) colorful.Color {
	return colorful.Color{R: t.Data[i], G: t.Data[plane+i], B: t.Data[2*plane+i]}
}
