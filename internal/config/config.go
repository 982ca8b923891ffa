// Package config holds the run configuration for style transfer.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/FlavioCFOliveira/GoStyle/internal/features"
	"github.com/FlavioCFOliveira/GoStyle/internal/opt"
	"github.com/FlavioCFOliveira/GoStyle/internal/palette"
)

// Config captures the knobs of a style transfer run.
type Config struct {
	ContentPath string `yaml:"content_path"`
	StylePath   string `yaml:"style_path"`
	OutputPath  string `yaml:"output_path"`
	WeightsPath string `yaml:"weights"`

	// Widths sets the block widths of seeded random weights, used when
	// WeightsPath is empty. Empty selects the full VGG19 widths.
	Widths string `yaml:"widths"`

	Iterations    int     `yaml:"iterations"`
	ImageSize     int     `yaml:"image_size"`
	ContentWeight float64 `yaml:"content_weight"`
	StyleWeight   float64 `yaml:"style_weight"`
	ForceResize   bool    `yaml:"force_resize"`

	Mashup     bool    `yaml:"mashup"`
	MashupPath string  `yaml:"mashup_path"`
	W1         float64 `yaml:"w1"`
	W2         float64 `yaml:"w2"`

	Optimizer    string  `yaml:"optimizer"`
	LineSearch   string  `yaml:"line_search"`
	LearningRate float64 `yaml:"lr"`
	HistorySize  int     `yaml:"history_size"`
	MaxIter      int     `yaml:"max_iter"`
	LRDecay      float64 `yaml:"lr_decay"`
	LRStep       int     `yaml:"lr_step"`

	Device          string `yaml:"device"`
	Seed            int64  `yaml:"seed"`
	ReportEvery     int    `yaml:"report_every"`
	CSVLog          string `yaml:"csv_log"`
	SnapshotEvery   int    `yaml:"snapshot_every"`
	SnapshotDir     string `yaml:"snapshot_dir"`
	PreserveColor   bool   `yaml:"preserve_color"`
	OutputWidth     int    `yaml:"output_width"`
	OutputHeight    int    `yaml:"output_height"`
	HaltOnNonFinite bool   `yaml:"halt_on_non_finite"`

	// Palette names the method of the output color report: dominantcolor
	// or kmeans. Empty disables the report.
	Palette     string `yaml:"palette"`
	PaletteSize int    `yaml:"palette_size"`
}

// Defaults returns the reference settings.
func Defaults() *Config {
	return &Config{
		OutputPath:    "results/transferred.jpg",
		Iterations:    101,
		ImageSize:     256,
		ContentWeight: 1,
		StyleWeight:   1e6,
		W1:            0.5,
		W2:            0.5,
		Optimizer:     opt.NameLBFGS,
		Device:        "cpu",
		Seed:          1,
		ReportEvery:   5,
		PaletteSize:   5,
	}
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched, except Iterations where any negative value does.
type Overrides struct {
	ContentPath     string
	StylePath       string
	OutputPath      string
	WeightsPath     string
	Widths          string
	Seed            int64
	Iterations      int
	ImageSize       int
	ContentWeight   float64
	StyleWeight     float64
	ForceResize     bool
	Mashup          bool
	MashupPath      string
	W1              float64
	W2              float64
	Optimizer       string
	LineSearch      string
	LearningRate    float64
	LRDecay         float64
	LRStep          int
	Device          string
	ReportEvery     int
	CSVLog          string
	SnapshotEvery   int
	SnapshotDir     string
	PreserveColor   bool
	OutputWidth     int
	OutputHeight    int
	HaltOnNonFinite bool
}

// Load reads a config file on top of Defaults. The result is not
// validated; call Validate after applying overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Defaults()
	if err := parse(f, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString(&c.ContentPath, o.ContentPath)
	setString(&c.StylePath, o.StylePath)
	setString(&c.OutputPath, o.OutputPath)
	setString(&c.WeightsPath, o.WeightsPath)
	setString(&c.Widths, o.Widths)
	setString(&c.MashupPath, o.MashupPath)
	setString(&c.Optimizer, o.Optimizer)
	setString(&c.LineSearch, o.LineSearch)
	setString(&c.Device, o.Device)
	setString(&c.CSVLog, o.CSVLog)
	setString(&c.SnapshotDir, o.SnapshotDir)

	if o.Iterations >= 0 {
		c.Iterations = o.Iterations
	}
	setInt(&c.ImageSize, o.ImageSize)
	setInt(&c.LRStep, o.LRStep)
	setInt(&c.ReportEvery, o.ReportEvery)
	setInt(&c.SnapshotEvery, o.SnapshotEvery)
	setInt(&c.OutputWidth, o.OutputWidth)
	setInt(&c.OutputHeight, o.OutputHeight)

	if o.Seed != 0 {
		c.Seed = o.Seed
	}

	setFloat(&c.ContentWeight, o.ContentWeight)
	setFloat(&c.StyleWeight, o.StyleWeight)
	setFloat(&c.W1, o.W1)
	setFloat(&c.W2, o.W2)
	setFloat(&c.LearningRate, o.LearningRate)
	setFloat(&c.LRDecay, o.LRDecay)

	c.ForceResize = c.ForceResize || o.ForceResize
	c.Mashup = c.Mashup || o.Mashup
	c.PreserveColor = c.PreserveColor || o.PreserveColor
	c.HaltOnNonFinite = c.HaltOnNonFinite || o.HaltOnNonFinite
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ContentPath == "" || c.StylePath == "" {
		return errors.New("content_path and style_path must be set")
	}
	if c.OutputPath == "" {
		return errors.New("output_path must be set")
	}
	if c.Mashup && c.MashupPath == "" {
		return errors.New("mashup_path must be set when mashup is enabled")
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must be >= 0 (got %d)", c.Iterations)
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be > 0 (got %d)", c.ImageSize)
	}
	if c.ContentWeight <= 0 || c.StyleWeight <= 0 {
		return fmt.Errorf("content_weight and style_weight must be > 0 (got %v, %v)", c.ContentWeight, c.StyleWeight)
	}
	if c.Mashup && (c.W1 < 0 || c.W2 < 0 || c.W1+c.W2 == 0) {
		return fmt.Errorf("w1 and w2 must be >= 0 and not both zero (got %v, %v)", c.W1, c.W2)
	}
	switch c.Optimizer {
	case "", opt.NameLBFGS, opt.NameAdam, opt.NameSGD:
	default:
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	switch c.LineSearch {
	case opt.LineSearchNone, opt.LineSearchBacktracking, opt.LineSearchStrongWolfe:
	default:
		return fmt.Errorf("unknown line_search %q", c.LineSearch)
	}
	if c.LRDecay < 0 || c.LRStep < 0 {
		return fmt.Errorf("lr_decay and lr_step must be >= 0 (got %v, %d)", c.LRDecay, c.LRStep)
	}
	if (c.OutputWidth > 0) != (c.OutputHeight > 0) {
		return errors.New("output_width and output_height must be set together")
	}
	if c.SnapshotEvery > 0 && c.SnapshotDir == "" {
		return errors.New("snapshot_dir must be set when snapshot_every is > 0")
	}
	if c.Widths != "" {
		if _, err := features.ParseArch(c.Widths); err != nil {
			return err
		}
	}
	if _, err := palette.ParseMethod(c.Palette); err != nil {
		return err
	}
	if c.Palette != "" && c.PaletteSize <= 0 {
		return fmt.Errorf("palette_size must be > 0 (got %d)", c.PaletteSize)
	}
	if c.ReportEvery < 0 {
		return fmt.Errorf("report_every must be >= 0 (got %d)", c.ReportEvery)
	}
	return nil
}

func parse(r io.Reader, cfg *Config) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("line %d: missing ':'", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, "\"'")
		if err := cfg.set(key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "content_path":
		c.ContentPath = value
	case "style_path":
		c.StylePath = value
	case "output_path":
		c.OutputPath = value
	case "weights":
		c.WeightsPath = value
	case "widths":
		c.Widths = value
	case "mashup_path":
		c.MashupPath = value
	case "optimizer":
		c.Optimizer = value
	case "line_search":
		c.LineSearch = value
	case "device":
		c.Device = value
	case "csv_log":
		c.CSVLog = value
	case "snapshot_dir":
		c.SnapshotDir = value
	case "palette":
		c.Palette = value
	case "iterations":
		c.Iterations, err = strconv.Atoi(value)
	case "image_size":
		c.ImageSize, err = strconv.Atoi(value)
	case "history_size":
		c.HistorySize, err = strconv.Atoi(value)
	case "max_iter":
		c.MaxIter, err = strconv.Atoi(value)
	case "lr_step":
		c.LRStep, err = strconv.Atoi(value)
	case "report_every":
		c.ReportEvery, err = strconv.Atoi(value)
	case "snapshot_every":
		c.SnapshotEvery, err = strconv.Atoi(value)
	case "output_width":
		c.OutputWidth, err = strconv.Atoi(value)
	case "output_height":
		c.OutputHeight, err = strconv.Atoi(value)
	case "palette_size":
		c.PaletteSize, err = strconv.Atoi(value)
	case "seed":
		c.Seed, err = strconv.ParseInt(value, 10, 64)
	case "content_weight":
		c.ContentWeight, err = strconv.ParseFloat(value, 64)
	case "style_weight":
		c.StyleWeight, err = strconv.ParseFloat(value, 64)
	case "w1":
		c.W1, err = strconv.ParseFloat(value, 64)
	case "w2":
		c.W2, err = strconv.ParseFloat(value, 64)
	case "lr":
		c.LearningRate, err = strconv.ParseFloat(value, 64)
	case "lr_decay":
		c.LRDecay, err = strconv.ParseFloat(value, 64)
	case "force_resize":
		c.ForceResize, err = strconv.ParseBool(value)
	case "mashup":
		c.Mashup, err = strconv.ParseBool(value)
	case "preserve_color":
		c.PreserveColor, err = strconv.ParseBool(value)
	case "halt_on_non_finite":
		c.HaltOnNonFinite, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown key %s", key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
