// Command gostyle renders a content image in the style of another.
//
//	go run ./cmd/gostyle -content images/content/fei.jpg -style images/style/starrynight.jpg -weights vgg19.safetensors
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/FlavioCFOliveira/GoStyle/gostyle"
)

func main() {
	cfgPath := flag.String("config", "", "Path to key: value config file")
	content := flag.String("content", "", "Path to the content image")
	style := flag.String("style", "", "Path to the style image")
	output := flag.String("output", "", "Path to save the output image (.jpg, .png or .bmp)")
	weightsPath := flag.String("weights", "", "VGG19 weights (.safetensors or .gguf); empty uses random weights")
	widths := flag.String("widths", "", "Block widths for random weights, e.g. 64,128,256,512,512")
	seed := flag.Int64("seed", 0, "Seed for random weights")
	iterations := flag.Int("iterations", -1, "Number of optimizer steps")
	imageSize := flag.Int("image-size", 0, "Length of the shorter image side")
	contentWeight := flag.Float64("content-weight", 0, "Content loss weight")
	styleWeight := flag.Float64("style-weight", 0, "Style loss weight")
	forceResize := flag.Bool("force-resize", false, "Resize the style image to the content image size")
	mashup := flag.Bool("mashup", false, "Blend the style of a second image")
	mashupPath := flag.String("mashup-path", "", "Path to the second style image")
	w1 := flag.Float64("w1", 0, "Weight of the first style image in mashup")
	w2 := flag.Float64("w2", 0, "Weight of the second style image in mashup")
	optimizer := flag.String("optimizer", "", "Optimizer: lbfgs, adam or sgd")
	lineSearch := flag.String("line-search", "", "L-BFGS line search: backtracking or strong_wolfe")
	lr := flag.Float64("lr", 0, "Learning rate")
	lrDecay := flag.Float64("lr-decay", 0, "Multiply the learning rate by this factor")
	lrStep := flag.Int("lr-step", 0, "Apply lr-decay every N steps; 0 decays every step")
	device := flag.String("device", "", "Device: cpu or gpu")
	reportEvery := flag.Int("report-every", 0, "Log every N evaluations")
	csvLog := flag.String("csv-log", "", "Write the loss trajectory to this CSV file")
	snapshotEvery := flag.Int("snapshot-every", 0, "Save an intermediate image every N steps")
	snapshotDir := flag.String("snapshot-dir", "", "Directory for intermediate images")
	preserveColor := flag.Bool("preserve-color", false, "Keep the colors of the content image")
	outputWidth := flag.Int("output-width", 0, "Resize the output to this width")
	outputHeight := flag.Int("output-height", 0, "Resize the output to this height")
	haltOnNonFinite := flag.Bool("halt-on-non-finite", false, "Abort when the loss becomes NaN or infinite")

	flag.Parse()

	cfg := gostyle.DefaultConfig()
	if *cfgPath != "" {
		var err error
		cfg, err = gostyle.LoadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	cfg.ApplyOverrides(gostyle.Overrides{
		ContentPath:     *content,
		StylePath:       *style,
		OutputPath:      *output,
		WeightsPath:     *weightsPath,
		Widths:          *widths,
		Seed:            *seed,
		Iterations:      *iterations,
		ImageSize:       *imageSize,
		ContentWeight:   *contentWeight,
		StyleWeight:     *styleWeight,
		ForceResize:     *forceResize,
		Mashup:          *mashup,
		MashupPath:      *mashupPath,
		W1:              *w1,
		W2:              *w2,
		Optimizer:       *optimizer,
		LineSearch:      *lineSearch,
		LearningRate:    *lr,
		LRDecay:         *lrDecay,
		LRStep:          *lrStep,
		Device:          *device,
		ReportEvery:     *reportEvery,
		CSVLog:          *csvLog,
		SnapshotEvery:   *snapshotEvery,
		SnapshotDir:     *snapshotDir,
		PreserveColor:   *preserveColor,
		OutputWidth:     *outputWidth,
		OutputHeight:    *outputHeight,
		HaltOnNonFinite: *haltOnNonFinite,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := gostyle.Run(ctx, cfg); err != nil {
		log.Fatalf("style transfer failed: %v", err)
	}
}
