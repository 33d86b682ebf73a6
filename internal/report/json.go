// Package report renders telemetry snapshots for people and log files.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/chaz8081/daly-ble/internal/telemetry"
)

// Record is the JSON shape of a snapshot. The first block of keys matches
// what earlier Daly readers printed so downstream parsers keep working.
type Record struct {
	Timestamp         int64   `json:"timestamp"` // unix milliseconds
	Voltage           float64 `json:"voltage"`
	Current           float64 `json:"current"`
	SOC               float64 `json:"soc"`
	MaxCellVoltage    uint16  `json:"max_cell_voltage"`
	MinCellVoltage    uint16  `json:"min_cell_voltage"`
	MaxTemperature    int     `json:"max_temperature"`
	MinTemperature    int     `json:"min_temperature"`
	ProtectionStatus  bool    `json:"protection_status"`
	RemainingCapacity float64 `json:"remaining_capacity"`
	FullCapacity      float64 `json:"full_capacity"`

	Power        float64  `json:"power"`
	CycleCount   uint16   `json:"cycle_count"`
	ChargeMOS    bool     `json:"charge_mos"`
	DischargeMOS bool     `json:"discharge_mos"`
	CellVoltages []uint16 `json:"cell_voltages,omitempty"`
	FailureCodes string   `json:"failure_codes,omitempty"`
}

// NewRecord converts snap, rounding the way the values are displayed.
func NewRecord(snap telemetry.Snapshot) Record {
	r := Record{
		Voltage:           round(snap.PackVoltage, 2),
		Current:           round(snap.Current, 2),
		SOC:               round(snap.SOC, 1),
		MaxCellVoltage:    snap.MaxCellVoltage,
		MinCellVoltage:    snap.MinCellVoltage,
		MaxTemperature:    snap.MaxTemperature,
		MinTemperature:    snap.MinTemperature,
		ProtectionStatus:  snap.Protection,
		RemainingCapacity: round(snap.RemainingCapacity, 2),
		FullCapacity:      round(snap.FullCapacity, 2),
		Power:             round(snap.Power(), 2),
		CycleCount:        snap.CycleCount,
		ChargeMOS:         snap.ChargeMOS,
		DischargeMOS:      snap.DischargeMOS,
		CellVoltages:      snap.CellVoltages,
	}
	if !snap.UpdatedAt.IsZero() {
		r.Timestamp = snap.UpdatedAt.UnixMilli()
	}
	if len(snap.FailureCodes) > 0 {
		r.FailureCodes = fmt.Sprintf("%X", snap.FailureCodes)
	}
	return r
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// WriteJSON writes snap as one JSON object followed by a newline.
func WriteJSON(w io.Writer, snap telemetry.Snapshot, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(NewRecord(snap)); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}

// JSONSink writes one JSON line per published snapshot.
type JSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

func (s *JSONSink) Publish(_ context.Context, snap telemetry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteJSON(s.w, snap, false)
}
