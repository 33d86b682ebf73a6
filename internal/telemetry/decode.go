package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chaz8081/daly-ble/internal/ble/protocol"
)

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrFieldOutOfRange = errors.New("field out of range")
)

const (
	currentZeroOffset = 30000
	temperatureOffset = 40

	minCellMillivolts = 1000
	maxCellMillivolts = 5000
	maxSOCRaw         = 1000
)

// Bulk telemetry-info layout (CRC variant, 129-byte frame), in frame offsets.
// Everything after the cell block was read off a single vendor capture and is
// provisional until checked against further captures.
//
// The cycle count has no fixed offset in that capture. It is taken as the
// first u16 at or after bulkCycleScanFrom below bulkCycleLimit, falling back
// to the first u16 at or after bulkCycleFallbackFrom below bulkMaxCycles.
const (
	bulkHeaderLen     = 3
	bulkPayloadLen    = protocol.CRCFrameLen - bulkHeaderLen - 2
	bulkCellOffset    = 3
	bulkCellCount     = 16
	bulkSOCOffset     = 68 // u16, 0.1 %
	bulkTempOffset    = 69 // u8, raw - 40 °C
	bulkCurrentOffset = 70 // u16, (raw - 30000) * 0.1 A

	bulkCycleScanFrom     = 80
	bulkCycleFallbackFrom = 100
	bulkCycleLimit        = 5000
	bulkMaxCycles         = 10000

	bulkMinTempRaw = 40
	bulkMaxTempRaw = 120
	bulkMinCurrent = 29000
	bulkMaxCurrent = 31000
	bulkCellMinRaw = 0x0A00
	bulkCellMaxRaw = 0x1200
)

type decoderKey struct {
	variant protocol.Variant
	cmd     protocol.CommandID
}

type decoder struct {
	// payloadLen is the minimum payload length; exact when exact is set.
	payloadLen int
	exact      bool
	fn         func(p []byte) (Update, error)
}

var decoders = map[decoderKey]decoder{
	{protocol.VariantChecksum, protocol.CmdVoltageCurrentSOC}: {payloadLen: 6, fn: decodeVoltageCurrentSOC},
	{protocol.VariantChecksum, protocol.CmdCellVoltageRange}:  {payloadLen: 6, fn: decodeCellVoltageRange},
	{protocol.VariantChecksum, protocol.CmdTemperatureRange}:  {payloadLen: 4, fn: decodeTemperatureRange},
	{protocol.VariantChecksum, protocol.CmdMOSStatus}:         {payloadLen: 7, fn: decodeMOSStatus},
	{protocol.VariantChecksum, protocol.CmdStatusInfo}:        {payloadLen: 7, fn: decodeStatusInfo},
	{protocol.VariantChecksum, protocol.CmdFailureCodes}:      {payloadLen: 7, fn: decodeFailureCodes},
	{protocol.VariantChecksum, protocol.CmdRatedCapacity}:     {payloadLen: 4, fn: decodeRatedCapacity},
	{protocol.VariantCRC, protocol.CmdMainInfo}:               {payloadLen: bulkPayloadLen, exact: true, fn: decodeMainInfo},
}

// Supported reports whether Decode has a layout for cmd under v.
func Supported(v protocol.Variant, cmd protocol.CommandID) bool {
	_, ok := decoders[decoderKey{v, cmd}]
	return ok
}

// Decode maps the payload of a validated frame to a partial Update.
//
// A non-nil error wrapping ErrFieldOutOfRange may accompany a non-empty
// Update: the implausible fields are left out and the rest is still usable.
func Decode(v protocol.Variant, cmd protocol.CommandID, payload []byte) (Update, error) {
	d, ok := decoders[decoderKey{v, cmd}]
	if !ok {
		return Update{}, fmt.Errorf("telemetry: %w: %s (%s)", ErrUnknownCommand, cmd, v)
	}
	if len(payload) < d.payloadLen || (d.exact && len(payload) != d.payloadLen) {
		return Update{}, fmt.Errorf("telemetry: %w: %s payload is %d bytes, want %d", ErrFieldOutOfRange, cmd, len(payload), d.payloadLen)
	}
	return d.fn(payload)
}

// DecodeFrame decodes f as the response to cmd.
func DecodeFrame(cmd protocol.CommandID, f protocol.Frame) (Update, error) {
	return Decode(f.Variant, cmd, f.Payload)
}

func outOfRange(field string, raw int) error {
	return fmt.Errorf("telemetry: %s raw %d: %w", field, raw, ErrFieldOutOfRange)
}

func decodeVoltageCurrentSOC(p []byte) (Update, error) {
	voltRaw := binary.BigEndian.Uint16(p[0:2])
	currRaw := binary.BigEndian.Uint16(p[2:4])
	socRaw := binary.BigEndian.Uint16(p[4:6])

	u := Update{
		PackVoltage: ptr(float64(voltRaw) * 0.1),
		Current:     ptr(float64(int(currRaw)-currentZeroOffset) * 0.1),
	}
	if socRaw > maxSOCRaw {
		return u, outOfRange("soc", int(socRaw))
	}
	u.SOC = ptr(float64(socRaw) * 0.1)
	return u, nil
}

func decodeCellVoltageRange(p []byte) (Update, error) {
	maxMV := binary.BigEndian.Uint16(p[0:2])
	minMV := binary.BigEndian.Uint16(p[3:5])

	var (
		u    Update
		errs []error
	)
	if plausibleCell(maxMV) {
		u.MaxCellVoltage, u.MaxCellIndex = ptr(maxMV), ptr(p[2])
	} else {
		errs = append(errs, outOfRange("max cell voltage", int(maxMV)))
	}
	if plausibleCell(minMV) {
		u.MinCellVoltage, u.MinCellIndex = ptr(minMV), ptr(p[5])
	} else {
		errs = append(errs, outOfRange("min cell voltage", int(minMV)))
	}
	return u, errors.Join(errs...)
}

func decodeTemperatureRange(p []byte) (Update, error) {
	return Update{
		MaxTemperature: ptr(int(p[0]) - temperatureOffset),
		MaxTempSensor:  ptr(p[1]),
		MinTemperature: ptr(int(p[2]) - temperatureOffset),
		MinTempSensor:  ptr(p[3]),
	}, nil
}

func decodeMOSStatus(p []byte) (Update, error) {
	capMAh := binary.BigEndian.Uint32(p[3:7])
	return Update{
		ChargeMOS:         ptr(p[0] != 0),
		DischargeMOS:      ptr(p[1] != 0),
		CycleCount:        ptr(uint16(p[2])),
		RemainingCapacity: ptr(float64(capMAh) * 0.001),
	}, nil
}

func decodeStatusInfo(p []byte) (Update, error) {
	return Update{
		CellCount:      ptr(p[0]),
		TempSensors:    ptr(p[1]),
		ChargerRunning: ptr(p[2] != 0),
		LoadRunning:    ptr(p[3] != 0),
		CycleCount:     ptr(binary.BigEndian.Uint16(p[5:7])),
	}, nil
}

func decodeFailureCodes(p []byte) (Update, error) {
	codes := append([]byte(nil), p[:7]...)
	active := false
	for _, b := range codes {
		if b != 0 {
			active = true
			break
		}
	}
	return Update{FailureCodes: codes, Protection: ptr(active)}, nil
}

func decodeRatedCapacity(p []byte) (Update, error) {
	return Update{FullCapacity: ptr(float64(binary.BigEndian.Uint32(p[0:4])) * 0.001)}, nil
}

func decodeMainInfo(p []byte) (Update, error) {
	at := func(frameOffset int) int { return frameOffset - bulkHeaderLen }

	var (
		u      Update
		errs   []error
		total  int
		maxMV  uint16
		minMV  uint16
		maxIdx uint8
		minIdx uint8
	)
	cells := make([]uint16, 0, bulkCellCount)
	for i := 0; i < bulkCellCount; i++ {
		off := at(bulkCellOffset + 2*i)
		mv := binary.BigEndian.Uint16(p[off : off+2])
		if mv == 0 {
			// unpopulated slot
			continue
		}
		if mv <= bulkCellMinRaw || mv >= bulkCellMaxRaw {
			errs = append(errs, outOfRange(fmt.Sprintf("cell %d voltage", i+1), int(mv)))
			continue
		}
		cells = append(cells, mv)
		total += int(mv)
		if mv > maxMV {
			maxMV, maxIdx = mv, uint8(i+1)
		}
		if minMV == 0 || mv < minMV {
			minMV, minIdx = mv, uint8(i+1)
		}
	}
	if len(cells) > 0 {
		u.CellVoltages = cells
		u.PackVoltage = ptr(float64(total) / 1000)
		u.MaxCellVoltage, u.MaxCellIndex = ptr(maxMV), ptr(maxIdx)
		u.MinCellVoltage, u.MinCellIndex = ptr(minMV), ptr(minIdx)
		u.CellCount = ptr(uint8(len(cells)))
	}

	if soc := binary.BigEndian.Uint16(p[at(bulkSOCOffset):]); soc <= maxSOCRaw {
		u.SOC = ptr(float64(soc) * 0.1)
	} else {
		errs = append(errs, outOfRange("soc", int(soc)))
	}

	if t := p[at(bulkTempOffset)]; t >= bulkMinTempRaw && t <= bulkMaxTempRaw {
		c := int(t) - temperatureOffset
		u.MaxTemperature, u.MinTemperature = ptr(c), ptr(c)
	} else {
		errs = append(errs, outOfRange("temperature", int(t)))
	}

	if c := binary.BigEndian.Uint16(p[at(bulkCurrentOffset):]); c >= bulkMinCurrent && c <= bulkMaxCurrent {
		u.Current = ptr(float64(int(c)-currentZeroOffset) * 0.1)
	} else {
		errs = append(errs, outOfRange("current", int(c)))
	}

	if n, ok := scanCycles(p, at(bulkCycleScanFrom), bulkCycleLimit); ok {
		u.CycleCount = ptr(n)
	} else if n, ok := scanCycles(p, at(bulkCycleFallbackFrom), bulkMaxCycles); ok {
		u.CycleCount = ptr(n)
	}

	return u, errors.Join(errs...)
}

// scanCycles returns the first non-zero u16 below limit starting at any byte
// from p[from:].
func scanCycles(p []byte, from int, limit uint16) (uint16, bool) {
	for i := from; i+1 < len(p); i++ {
		if n := binary.BigEndian.Uint16(p[i:]); n > 0 && n < limit {
			return n, true
		}
	}
	return 0, false
}

func plausibleCell(mv uint16) bool {
	return mv >= minCellMillivolts && mv <= maxCellMillivolts
}
