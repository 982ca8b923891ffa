package transfer

import (
	"encoding/csv"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/FlavioCFOliveira/GoStyle/internal/loss"
	"github.com/FlavioCFOliveira/GoStyle/internal/tensor"
)

// CSVLogger writes the loss trajectory, one row per step, to a CSV file.
type CSVLogger struct {
	BaseCallback
	Filename string
	Append   bool

	file   *os.File
	writer *csv.Writer
	start  time.Time
	evals  int
}

// NewCSVLogger creates a new CSVLogger.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename: filename,
		Append:   append,
	}
}

func (c *CSVLogger) OnRunBegin(info RunInfo) {
	mode := os.O_CREATE | os.O_WRONLY
	if c.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(c.Filename, mode, 0644)
	if err != nil {
		log.Printf("csv logger: failed to open file %s: %v", c.Filename, err)
		return
	}
	c.file = file
	c.writer = csv.NewWriter(file)
	c.start = time.Now()
	c.evals = 0

	// Write header if not appending or if file is empty
	stat, err := file.Stat()
	if err == nil && (stat.Size() == 0 || !c.Append) {
		c.writer.Write([]string{"step", "evaluations", "content", "style", "total", "time_seconds"})
		c.writer.Flush()
	}
}

func (c *CSVLogger) OnEvaluate(eval int, terms loss.Terms) {
	c.evals = eval
}

func (c *CSVLogger) OnStepEnd(step int, terms loss.Terms, candidate *tensor.Tensor) {
	if c.writer == nil {
		return
	}

	elapsed := time.Since(c.start).Seconds()
	record := []string{
		strconv.Itoa(step),
		strconv.Itoa(c.evals),
		strconv.FormatFloat(terms.Content, 'g', 8, 64),
		strconv.FormatFloat(terms.Style, 'g', 8, 64),
		strconv.FormatFloat(terms.Total, 'g', 8, 64),
		strconv.FormatFloat(elapsed, 'f', 2, 64),
	}

	if err := c.writer.Write(record); err != nil {
		log.Printf("csv logger: failed to write record: %v", err)
	}
	c.writer.Flush()
}

func (c *CSVLogger) OnRunEnd(candidate *tensor.Tensor) {
	if c.file != nil {
		c.writer.Flush()
		c.file.Close()
		c.file = nil
		c.writer = nil
	}
}
