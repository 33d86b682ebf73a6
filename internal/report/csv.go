package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/chaz8081/daly-ble/internal/telemetry"
)

var csvHeader = []string{
	"Timestamp", "Voltage", "Current", "SOC", "MaxCellV", "MinCellV",
	"MaxTemp", "MinTemp", "Protection", "Power",
}

// CSVWriter appends one row per snapshot, writing the header before the
// first row only.
type CSVWriter struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	header bool
}

// NewCSVWriter writes rows to w. If w already has content, set
// headerWritten so the header is not repeated.
func NewCSVWriter(w io.Writer, headerWritten bool) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w), header: headerWritten}
}

// OpenCSV appends to the file at path, creating it if needed.
func OpenCSV(path string) (*CSVWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("report: open csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("report: stat csv: %w", err)
	}
	c := NewCSVWriter(f, info.Size() > 0)
	c.closer = f
	return c, nil
}

// Write appends snap as a row.
func (c *CSVWriter) Write(snap telemetry.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.header {
		if err := c.w.Write(csvHeader); err != nil {
			return fmt.Errorf("report: write csv header: %w", err)
		}
		c.header = true
	}

	row := []string{
		strconv.FormatInt(snap.UpdatedAt.UnixMilli(), 10),
		strconv.FormatFloat(snap.PackVoltage, 'f', 2, 64),
		strconv.FormatFloat(snap.Current, 'f', 2, 64),
		strconv.FormatFloat(snap.SOC, 'f', 1, 64),
		strconv.Itoa(int(snap.MaxCellVoltage)),
		strconv.Itoa(int(snap.MinCellVoltage)),
		strconv.Itoa(snap.MaxTemperature),
		strconv.Itoa(snap.MinTemperature),
		strconv.FormatBool(snap.Protection),
		strconv.FormatFloat(snap.Power(), 'f', 2, 64),
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("report: write csv row: %w", err)
	}
	c.w.Flush()
	return c.w.Error()
}

// Publish makes CSVWriter a monitor sink.
func (c *CSVWriter) Publish(_ context.Context, snap telemetry.Snapshot) error {
	return c.Write(snap)
}

// Close closes the underlying file when opened with OpenCSV.
func (c *CSVWriter) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
