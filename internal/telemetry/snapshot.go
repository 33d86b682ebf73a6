// Package telemetry turns validated BMS frames into battery measurements and
// keeps the latest known state.
package telemetry

import (
	"sync"
	"time"
)

// Snapshot is the latest known battery state.
type Snapshot struct {
	PackVoltage float64 // V
	Current     float64 // A, positive while charging
	SOC         float64 // %

	MaxCellVoltage uint16 // mV
	MaxCellIndex   uint8
	MinCellVoltage uint16 // mV
	MinCellIndex   uint8
	CellVoltages   []uint16 // mV, bulk frame only

	MaxTemperature int // °C
	MaxTempSensor  uint8
	MinTemperature int // °C
	MinTempSensor  uint8

	CycleCount        uint16
	RemainingCapacity float64 // Ah
	FullCapacity      float64 // Ah

	ChargeMOS      bool
	DischargeMOS   bool
	CellCount      uint8
	TempSensors    uint8
	ChargerRunning bool
	LoadRunning    bool

	Protection   bool
	FailureCodes []byte

	UpdatedAt time.Time
}

// CellVoltageDelta is the spread between the highest and lowest cell in mV.
func (s Snapshot) CellVoltageDelta() int {
	if s.MaxCellVoltage == 0 || s.MinCellVoltage == 0 {
		return 0
	}
	return int(s.MaxCellVoltage) - int(s.MinCellVoltage)
}

// TemperatureDelta is the spread between the hottest and coldest sensor in °C.
func (s Snapshot) TemperatureDelta() int {
	return s.MaxTemperature - s.MinTemperature
}

// Power is pack voltage times current in W.
func (s Snapshot) Power() float64 {
	return s.PackVoltage * s.Current
}

// Valid reports whether any frame has been merged yet.
func (s Snapshot) Valid() bool {
	return !s.UpdatedAt.IsZero()
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.CellVoltages != nil {
		out.CellVoltages = append([]uint16(nil), s.CellVoltages...)
	}
	if s.FailureCodes != nil {
		out.FailureCodes = append([]byte(nil), s.FailureCodes...)
	}
	return out
}

// Update is a partial snapshot produced by one decoded frame. Nil fields are
// left untouched by Apply.
type Update struct {
	PackVoltage *float64
	Current     *float64
	SOC         *float64

	MaxCellVoltage *uint16
	MaxCellIndex   *uint8
	MinCellVoltage *uint16
	MinCellIndex   *uint8
	CellVoltages   []uint16

	MaxTemperature *int
	MaxTempSensor  *uint8
	MinTemperature *int
	MinTempSensor  *uint8

	CycleCount        *uint16
	RemainingCapacity *float64
	FullCapacity      *float64

	ChargeMOS      *bool
	DischargeMOS   *bool
	CellCount      *uint8
	TempSensors    *uint8
	ChargerRunning *bool
	LoadRunning    *bool

	Protection   *bool
	FailureCodes []byte
}

// Empty reports whether u carries no fields.
func (u Update) Empty() bool {
	return u.PackVoltage == nil && u.Current == nil && u.SOC == nil &&
		u.MaxCellVoltage == nil && u.MaxCellIndex == nil &&
		u.MinCellVoltage == nil && u.MinCellIndex == nil && u.CellVoltages == nil &&
		u.MaxTemperature == nil && u.MaxTempSensor == nil &&
		u.MinTemperature == nil && u.MinTempSensor == nil &&
		u.CycleCount == nil && u.RemainingCapacity == nil && u.FullCapacity == nil &&
		u.ChargeMOS == nil && u.DischargeMOS == nil &&
		u.CellCount == nil && u.TempSensors == nil &&
		u.ChargerRunning == nil && u.LoadRunning == nil &&
		u.Protection == nil && u.FailureCodes == nil
}

func (u Update) mergeInto(s *Snapshot) {
	set(&s.PackVoltage, u.PackVoltage)
	set(&s.Current, u.Current)
	set(&s.SOC, u.SOC)
	set(&s.MaxCellVoltage, u.MaxCellVoltage)
	set(&s.MaxCellIndex, u.MaxCellIndex)
	set(&s.MinCellVoltage, u.MinCellVoltage)
	set(&s.MinCellIndex, u.MinCellIndex)
	if u.CellVoltages != nil {
		s.CellVoltages = append([]uint16(nil), u.CellVoltages...)
	}
	set(&s.MaxTemperature, u.MaxTemperature)
	set(&s.MaxTempSensor, u.MaxTempSensor)
	set(&s.MinTemperature, u.MinTemperature)
	set(&s.MinTempSensor, u.MinTempSensor)
	set(&s.CycleCount, u.CycleCount)
	set(&s.RemainingCapacity, u.RemainingCapacity)
	set(&s.FullCapacity, u.FullCapacity)
	set(&s.ChargeMOS, u.ChargeMOS)
	set(&s.DischargeMOS, u.DischargeMOS)
	set(&s.CellCount, u.CellCount)
	set(&s.TempSensors, u.TempSensors)
	set(&s.ChargerRunning, u.ChargerRunning)
	set(&s.LoadRunning, u.LoadRunning)
	set(&s.Protection, u.Protection)
	if u.FailureCodes != nil {
		s.FailureCodes = append([]byte(nil), u.FailureCodes...)
	}
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func ptr[T any](v T) *T { return &v }

// Store holds the current Snapshot. Readers never observe a partially
// applied Update.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Apply merges u into the snapshot and stamps it with at. An empty update is
// ignored and reports false. Once SOC and full capacity are both known the
// remaining capacity is derived from them.
func (s *Store) Apply(u Update, at time.Time) bool {
	if u.Empty() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u.mergeInto(&s.snap)
	if s.snap.SOC > 0 && s.snap.FullCapacity > 0 {
		s.snap.RemainingCapacity = s.snap.SOC / 100 * s.snap.FullCapacity
	}
	s.snap.UpdatedAt = at
	return true
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// Reset discards all state, as at session start.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{}
}
