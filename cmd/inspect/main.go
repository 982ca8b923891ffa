// Command inspect renders the activation maps captured for an image and
// reports its dominant colors.
package main

import (
	"flag"
	"log"
	"strings"

	"github.com/anthonynsimon/bild/imgio"

	"github.com/FlavioCFOliveira/GoStyle/gostyle"
	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/imageio"
	"github.com/FlavioCFOliveira/GoStyle/internal/layer"
	"github.com/FlavioCFOliveira/GoStyle/internal/palette"
)

func main() {
	configPath := flag.String("config", "", "Run config; supplies weights, widths, seed, image_size, palette and palette_size")
	imagePath := flag.String("image", "", "Path to the image to inspect")
	weightsPath := flag.String("weights", "", "VGG19 weights (.safetensors or .gguf); empty uses random weights")
	widths := flag.String("widths", "", "Block widths for random weights")
	seed := flag.Int64("seed", 1, "Seed for random weights")
	imageSize := flag.Int("image-size", 256, "Length of the shorter image side")
	layerName := flag.String("layer", features.ContentLayer, "Capture to render: conv1_1 .. conv5_1 or conv4_2")
	maxMaps := flag.Int("max-maps", 16, "Maximum number of channels to render")
	cols := flag.Int("cols", 4, "Tiles per row")
	output := flag.String("output", "features.png", "Path of the grid image")
	method := flag.String("palette", "dominantcolor", "Palette method: dominantcolor or kmeans")
	colors := flag.Int("colors", 5, "Number of palette colors; 0 disables the report")
	summary := flag.Bool("summary", false, "Print the layer table")

	flag.Parse()

	if *imagePath == "" {
		log.Fatalf("-image is required")
	}

	cfg := gostyle.DefaultConfig()
	cfg.ImageSize = *imageSize
	cfg.Palette = *method
	cfg.PaletteSize = *colors
	if *configPath != "" {
		var err error
		cfg, err = gostyle.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		if cfg.Palette == "" {
			cfg.PaletteSize = 0
		}
	}
	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "weights":
			cfg.WeightsPath = *weightsPath
		case "widths":
			cfg.Widths = *widths
		case "seed":
			cfg.Seed = *seed
		case "image-size":
			cfg.ImageSize = *imageSize
		case "palette":
			cfg.Palette = *method
		case "colors":
			cfg.PaletteSize = *colors
		}
	})

	dev := layer.NewCPUDevice()
	extractor, err := gostyle.NewExtractor(dev, cfg)
	if err != nil {
		log.Fatalf("failed to build extractor: %v", err)
	}

	img, err := imageio.Load(*imagePath, cfg.ImageSize)
	if err != nil {
		log.Fatalf("failed to load image: %v", err)
	}
	if *summary {
		var sb strings.Builder
		if err := extractor.Summary(&sb, layer.Shape{C: img.Shape[0], H: img.Shape[1], W: img.Shape[2]}); err != nil {
			log.Fatalf("summary: %v", err)
		}
		log.Printf("layers:\n%s", sb.String())
	}

	bundle, err := extractor.Extract(img)
	if err != nil {
		log.Fatalf("failed to extract features: %v", err)
	}
	maps := bundle.Content
	if *layerName != features.ContentLayer {
		var ok bool
		maps, ok = bundle.Style[*layerName]
		if !ok {
			log.Fatalf("unknown layer %q", *layerName)
		}
	}

	grid, err := imageio.Grid(maps, *maxMaps, *cols)
	if err != nil {
		log.Fatalf("failed to build grid: %v", err)
	}
	if err := imgio.Save(*output, grid, imgio.PNGEncoder()); err != nil {
		log.Fatalf("failed to save grid: %v", err)
	}
	log.Printf("features: layer=%s shape=%v output=%s", *layerName, maps.Shape, *output)

	if cfg.PaletteSize > 0 {
		swatches, err := gostyle.Palette(img, cfg)
		if err != nil {
			log.Fatalf("palette: %v", err)
		}
		log.Printf("palette: method=%s colors=%s", cfg.Palette, palette.String(swatches))
	}
}
