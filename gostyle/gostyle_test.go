package gostyle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/imageio"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
	"github.com/FlavioCFOliveira/GoStyle/internal/transfer"
)

const testWidths = "4,8,8,8,8"

func writeImage(t *testing.T, dir, name string, fill func(c, y, x int) float64) string {
	t.Helper()
	img := tensor.New(3, 32, 32)
	for c := 0; c < 3; c++ {
		ch := img.Channel(c)
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				ch[y*32+x] = fill(c, y, x)
			}
		}
	}
	path := filepath.Join(dir, name)
	if err := imageio.Save(path, img, 0, 0); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ContentPath = writeImage(t, dir, "content.png", func(c, y, x int) float64 {
		return float64(x+y+8*c) / 80
	})
	cfg.StylePath = writeImage(t, dir, "style.png", func(c, y, x int) float64 {
		if (x/2)%2 == 0 {
			return 0.9
		}
		return 0.1
	})
	cfg.OutputPath = filepath.Join(dir, "out", "result.png")
	cfg.ImageSize = 32
	cfg.Widths = testWidths
	cfg.Iterations = 2
	cfg.MaxIter = 2
	return cfg
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.CSVLog = filepath.Join(t.TempDir(), "loss.csv")
	cfg.SnapshotEvery = 1
	cfg.SnapshotDir = filepath.Join(t.TempDir(), "snaps")
	hist := &transfer.History{}

	out, err := Run(context.Background(), cfg, hist)
	if err != nil {
		t.Fatal(err)
	}
	if out.Shape[0] != 3 || out.Shape[1] != 32 || out.Shape[2] != 32 {
		t.Errorf("output shape = %v", out.Shape)
	}
	if len(hist.Steps) != 2 {
		t.Errorf("recorded %d steps, want 2", len(hist.Steps))
	}

	saved, err := imageio.Load(cfg.OutputPath, 0)
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	if !tensor.SameShape(saved, out) {
		t.Errorf("saved shape %v, want %v", saved.Shape, out.Shape)
	}
	for _, p := range []string{cfg.CSVLog, filepath.Join(cfg.SnapshotDir, "step_0000.png"), filepath.Join(cfg.SnapshotDir, "step_0001.png")} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
}

func TestRunWithWeightsFile(t *testing.T) {
	cfg := testConfig(t)
	arch, _ := features.ParseArch(testWidths)
	cfg.WeightsPath = filepath.Join(t.TempDir(), "vgg.safetensors")
	if err := features.RandomWeights(arch, 7).Save(cfg.WeightsPath); err != nil {
		t.Fatal(err)
	}
	cfg.Iterations = 0
	cfg.OutputWidth, cfg.OutputHeight = 48, 40

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	content, err := imageio.Load(cfg.ContentPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.Equal(out, content) {
		t.Error("zero iterations should return the content image")
	}
	saved, err := imageio.Load(cfg.OutputPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Shape[1] != 40 || saved.Shape[2] != 48 {
		t.Errorf("saved shape %v, want [3 40 48]", saved.Shape)
	}
}

func TestRunMashupPreserveColor(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mashup = true
	cfg.MashupPath = writeImage(t, t.TempDir(), "style2.png", func(c, y, x int) float64 {
		return float64((x*7+y*3+c)%11) / 10
	})
	cfg.W1, cfg.W2 = 0.3, 0.7
	cfg.PreserveColor = true
	cfg.Optimizer = "adam"

	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !out.InRange(0, 1) {
		t.Error("output out of [0,1]")
	}
}

func TestRunPaletteReport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Palette = "dominantcolor"
	cfg.PaletteSize = 3
	out, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	swatches, err := Palette(out, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(swatches) == 0 || len(swatches) > cfg.PaletteSize {
		t.Fatalf("got %d swatches, want 1..%d", len(swatches), cfg.PaletteSize)
	}
	total := 0.0
	for _, s := range swatches {
		total += s.Weight
	}
	if total < 0.999 || total > 1.001 {
		t.Errorf("swatch weights sum to %v, want 1", total)
	}

	cfg.Palette = "median"
	if _, err := Palette(out, cfg); err == nil {
		t.Error("expected error for unknown palette method")
	}
}

func TestRunErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.StylePath = ""
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Error("expected invalid config error")
	}

	cfg = testConfig(t)
	cfg.StylePath = filepath.Join(t.TempDir(), "missing.png")
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Error("expected error for a missing style image")
	}

	cfg = testConfig(t)
	cfg.WeightsPath = filepath.Join(t.TempDir(), "vgg.bin")
	if _, err := Run(context.Background(), cfg); err == nil {
		t.Error("expected error for an unsupported weights file")
	}

	cfg = testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, cfg); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(cfg.OutputPath); err == nil {
		t.Error("cancelled run should not write an output")
	}
}
