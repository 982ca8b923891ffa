// Package gostyle is the public entry point: it wires image loading, the
// VGG19 feature extractor and the optimization loop into a single Run.
package gostyle

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/FlavioCFOliveira/GoStyle/internal/config"
	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/imageio"
	"github.com/FlavioCFOliveira/GoStyle/internal/layer"
	"github.com/FlavioCFOliveira/GoStyle/internal/loss"
	"github.com/FlavioCFOliveira/GoStyle/internal/opt"
	"github.com/FlavioCFOliveira/GoStyle/internal/palette"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
	"github.com/FlavioCFOliveira/GoStyle/internal/transfer"
	"github.com/FlavioCFOliveira/GoStyle/internal/weights"
)

// Re-export common types for easier access
type (
	Config    = config.Config
	Overrides = config.Overrides
	Tensor    = tensor.Tensor
	Terms     = loss.Terms
	Callback  = transfer.Callback
	Device    = layer.Device
	Extractor = features.Extractor
)

// DefaultConfig returns the reference settings.
func DefaultConfig() *Config {
	return config.Defaults()
}

// LoadConfig reads a key: value config file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Callbacks
func Logger(interval int) Callback {
	return &transfer.Logger{Interval: interval}
}

func CSVLogger(filename string) Callback {
	return transfer.NewCSVLogger(filename, false)
}

// Devices
func GetDevice(name string) (Device, error) {
	return layer.GetDevice(name)
}

// NewExtractor builds the VGG19 extractor on dev. Weights come from
// cfg.WeightsPath; when it is empty, seeded random weights of cfg.Widths
// are generated instead, which is only useful for smoke runs.
func NewExtractor(dev Device, cfg *Config) (*features.VGG19, error) {
	var store weights.Store
	var arch features.Arch
	if cfg.WeightsPath != "" {
		var err error
		store, err = weights.Load(cfg.WeightsPath)
		if err != nil {
			return nil, err
		}
		arch, err = features.InferArch(store)
		if err != nil {
			return nil, err
		}
		log.Printf("weights: path=%s tensors=%d arch=%s", cfg.WeightsPath, len(store), arch)
	} else {
		arch = features.ArchVGG19
		if cfg.Widths != "" {
			var err error
			arch, err = features.ParseArch(cfg.Widths)
			if err != nil {
				return nil, err
			}
		}
		log.Printf("warning: no weights given; using random weights arch=%s seed=%d", arch, cfg.Seed)
		store = features.RandomWeights(arch, cfg.Seed)
	}
	return features.NewVGG19(dev, arch, store)
}

// TransferConfig maps cfg onto the loop settings.
func TransferConfig(cfg *Config) transfer.Config {
	return transfer.Config{
		Iterations:    cfg.Iterations,
		ContentWeight: cfg.ContentWeight,
		StyleWeight:   cfg.StyleWeight,
		Optimizer: opt.Config{
			Name:         cfg.Optimizer,
			LearningRate: cfg.LearningRate,
			LineSearch:   cfg.LineSearch,
			HistorySize:  cfg.HistorySize,
			MaxIter:      cfg.MaxIter,
		},
		LRDecay:         cfg.LRDecay,
		LRStep:          cfg.LRStep,
		HaltOnNonFinite: cfg.HaltOnNonFinite,
	}
}

// Run validates cfg, performs the transfer and writes the result to
// cfg.OutputPath. Extra callbacks run after the built-in ones.
func Run(ctx context.Context, cfg *Config, callbacks ...Callback) (*Tensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dev, err := layer.GetDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	extractor, err := NewExtractor(dev, cfg)
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}

	content, style, err := imageio.LoadPair(cfg.ContentPath, cfg.StylePath, cfg.ImageSize, cfg.ForceResize)
	if err != nil {
		return nil, err
	}
	log.Printf("images: content=%s style=%s shape=%v", cfg.ContentPath, cfg.StylePath, content.Shape)

	var opts []transfer.Option
	if cfg.Mashup {
		_, style2, err := imageio.LoadPair(cfg.ContentPath, cfg.MashupPath, cfg.ImageSize, cfg.ForceResize)
		if err != nil {
			return nil, err
		}
		log.Printf("mashup: style2=%s w1=%g w2=%g", cfg.MashupPath, cfg.W1, cfg.W2)
		opts = append(opts, transfer.WithMashup(style2, cfg.W1, cfg.W2))
	}

	cbs := []Callback{&transfer.Logger{Interval: cfg.ReportEvery}}
	if cfg.CSVLog != "" {
		cbs = append(cbs, transfer.NewCSVLogger(cfg.CSVLog, false))
	}
	if cfg.SnapshotEvery > 0 {
		dir := cfg.SnapshotDir
		cbs = append(cbs, &transfer.Snapshot{
			Every: cfg.SnapshotEvery,
			Save: func(step int, candidate *tensor.Tensor) error {
				return imageio.Save(filepath.Join(dir, fmt.Sprintf("step_%04d.png", step)), candidate, 0, 0)
			},
		})
	}
	cbs = append(cbs, callbacks...)
	opts = append(opts, transfer.WithCallbacks(cbs...))

	loop, err := transfer.New(dev, extractor, content, style, TransferConfig(cfg), opts...)
	if err != nil {
		return nil, err
	}
	out, err := loop.Run(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.PreserveColor {
		out, err = imageio.PreserveColor(out, content)
		if err != nil {
			return nil, err
		}
	}
	if err := imageio.Save(cfg.OutputPath, out, cfg.OutputWidth, cfg.OutputHeight); err != nil {
		return nil, err
	}
	log.Printf("output: path=%s evaluations=%d", cfg.OutputPath, loop.Evaluations())

	if cfg.Palette != "" {
		swatches, err := Palette(out, cfg)
		if err != nil {
			return nil, err
		}
		log.Printf("palette: method=%s colors=%s", cfg.Palette, palette.String(swatches))
	}
	return out, nil
}

// Palette returns the cfg.PaletteSize dominant colors of img using the
// cfg.Palette method.
func Palette(img *Tensor, cfg *Config) ([]palette.Swatch, error) {
	m, err := palette.ParseMethod(cfg.Palette)
	if err != nil {
		return nil, err
	}
	rgb, err := imageio.ToImage(img)
	if err != nil {
		return nil, err
	}
	return palette.Extract(rgb, cfg.PaletteSize, m)
}
