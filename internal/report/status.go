package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gosuri/uitable"

	"github.com/chaz8081/daly-ble/internal/telemetry"
)

const (
	// ImbalanceWarnMillivolts is the cell spread above which a warning is shown.
	ImbalanceWarnMillivolts = 100
	// TempSpreadWarnCelsius is the sensor spread above which a warning is shown.
	TempSpreadWarnCelsius = 10

	idleCurrent = 0.1 // A
)

// BatteryStatus classifies what the pack is doing.
func BatteryStatus(s telemetry.Snapshot) string {
	switch {
	case s.Protection:
		return "PROTECTION ACTIVE"
	case s.Current > idleCurrent:
		return "CHARGING"
	case s.Current < -idleCurrent:
		return "DISCHARGING"
	default:
		return "IDLE"
	}
}

// SOCStatus buckets state of charge.
func SOCStatus(soc float64) string {
	switch {
	case soc >= 80:
		return "HIGH"
	case soc >= 50:
		return "MEDIUM"
	case soc >= 20:
		return "LOW"
	default:
		return "CRITICAL"
	}
}

// TemperatureStatus buckets a temperature in °C.
func TemperatureStatus(c int) string {
	switch {
	case c >= 45:
		return "HOT"
	case c >= 35:
		return "WARM"
	case c >= 10:
		return "NORMAL"
	case c >= 0:
		return "COLD"
	default:
		return "FREEZING"
	}
}

// Warnings lists the conditions an operator should look at.
func Warnings(s telemetry.Snapshot) []string {
	var out []string
	if s.MaxCellVoltage > 0 && s.MinCellVoltage > 0 && s.CellVoltageDelta() > ImbalanceWarnMillivolts {
		out = append(out, "high cell voltage imbalance")
	}
	if s.TemperatureDelta() > TempSpreadWarnCelsius {
		out = append(out, "high temperature difference")
	}
	if s.Protection {
		out = append(out, fmt.Sprintf("protection active, failure codes %X", s.FailureCodes))
	}
	return out
}

// Status renders the detailed status table.
func Status(s telemetry.Snapshot, now time.Time) string {
	if !s.Valid() {
		return "no telemetry yet\n"
	}

	table := uitable.New()
	table.MaxColWidth = 80
	table.AddRow("Updated:", fmt.Sprintf("%s (%s ago)", s.UpdatedAt.Format(time.RFC3339), now.Sub(s.UpdatedAt).Round(time.Second)))
	table.AddRow("Battery Status:", BatteryStatus(s))
	table.AddRow("Pack Voltage:", fmt.Sprintf("%.2f V", s.PackVoltage))
	table.AddRow("Current:", fmt.Sprintf("%.2f A", s.Current))
	table.AddRow("Power:", fmt.Sprintf("%.2f W", s.Power()))
	table.AddRow("SOC:", fmt.Sprintf("%.1f %% (%s)", s.SOC, SOCStatus(s.SOC)))
	table.AddRow("Temperature:", fmt.Sprintf("%d / %d °C (%s)", s.MaxTemperature, s.MinTemperature, TemperatureStatus(s.MaxTemperature)))
	if s.MaxCellVoltage > 0 && s.MinCellVoltage > 0 {
		table.AddRow("Cell Voltage:", fmt.Sprintf("max %d mV (#%d), min %d mV (#%d), diff %d mV",
			s.MaxCellVoltage, s.MaxCellIndex, s.MinCellVoltage, s.MinCellIndex, s.CellVoltageDelta()))
	}
	if len(s.CellVoltages) > 0 {
		cells := make([]string, len(s.CellVoltages))
		for i, mv := range s.CellVoltages {
			cells[i] = fmt.Sprintf("%d", mv)
		}
		table.AddRow("Cells (mV):", strings.Join(cells, " "))
	}
	table.AddRow("Capacity:", fmt.Sprintf("%.2f / %.2f Ah", s.RemainingCapacity, s.FullCapacity))
	table.AddRow("Cycles:", s.CycleCount)
	table.AddRow("MOS:", fmt.Sprintf("charge %s, discharge %s", onOff(s.ChargeMOS), onOff(s.DischargeMOS)))
	for _, w := range Warnings(s) {
		table.AddRow("WARNING:", w)
	}
	return table.String() + "\n"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// StatusSink prints the status table for every published snapshot.
type StatusSink struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewStatusSink(w io.Writer) *StatusSink {
	return &StatusSink{w: w, now: time.Now}
}

func (s *StatusSink) Publish(_ context.Context, snap telemetry.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, Status(snap, s.now()))
	return err
}
