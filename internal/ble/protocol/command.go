// Package protocol implements the two Daly BMS wire formats spoken over the
// fff0 GATT service: the legacy 13-byte checksum frame and the newer
// Modbus-style frame protected by CRC-16/MODBUS.
package protocol

import (
	"fmt"
	"strings"
)

// Variant selects one of the supported wire formats.
type Variant int

const (
	// VariantChecksum is the A5-prefixed frame with a trailing 8-bit sum.
	VariantChecksum Variant = iota
	// VariantCRC is the D2 03 frame with a trailing CRC-16/MODBUS.
	VariantCRC
)

func (v Variant) String() string {
	switch v {
	case VariantChecksum:
		return "checksum"
	case VariantCRC:
		return "crc"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// ParseVariant maps a configuration string to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "checksum", "":
		return VariantChecksum, nil
	case "crc", "modbus":
		return VariantCRC, nil
	default:
		return 0, fmt.Errorf("protocol: %w: %q", ErrUnknownVariant, s)
	}
}

// CommandID identifies a request. For the checksum variant it is the data id
// echoed in byte 2 of the response; CRC variant ids are local names for the
// fixed register selectors below.
type CommandID uint8

const (
	CmdRatedCapacity     CommandID = 0x50
	CmdVoltageCurrentSOC CommandID = 0x90
	CmdCellVoltageRange  CommandID = 0x91
	CmdTemperatureRange  CommandID = 0x92
	CmdMOSStatus         CommandID = 0x93
	CmdStatusInfo        CommandID = 0x94
	CmdFailureCodes      CommandID = 0x98

	// CmdMainInfo reads the 62-register telemetry block (CRC variant).
	CmdMainInfo CommandID = 0xD0
)

func (c CommandID) String() string {
	return fmt.Sprintf("0x%02X", uint8(c))
}

// Checksum variant framing.
const (
	ChecksumStartByte   = 0xA5
	ChecksumHostAddress = 0x80
	ChecksumBMSAddress  = 0x40
	ChecksumDataLength  = 0x08
	ChecksumFrameLen    = 13
	checksumHeaderLen   = 4
	checksumTrailerLen  = 1
)

// CRC variant framing.
const (
	CRCFrameLen    = 129
	crcHeaderLen   = 3
	crcTrailerLen  = 2
	crcCommandLen  = 8
	crcSelectorLen = 6
)

// CRCHeader is the fixed two-byte prefix of CRC variant requests and responses.
var CRCHeader = [2]byte{0xD2, 0x03}

// crcSelectors holds the register selector and its precomputed CRC for each
// CRC variant command. The CRC bytes are sent low byte first.
var crcSelectors = map[CommandID][crcSelectorLen]byte{
	CmdMainInfo: {0x00, 0x00, 0x00, 0x3E, 0xD7, 0xB9},
}

// BuildChecksumCommand returns the 13-byte request
// A5 80 <cmd> 08 00*8 <sum of first 12 bytes>.
func BuildChecksumCommand(cmd CommandID) []byte {
	frame := make([]byte, ChecksumFrameLen)
	frame[0] = ChecksumStartByte
	frame[1] = ChecksumHostAddress
	frame[2] = byte(cmd)
	frame[3] = ChecksumDataLength
	frame[ChecksumFrameLen-1] = Checksum8(frame[:ChecksumFrameLen-1])
	return frame
}

// BuildCRCCommand returns the 8-byte request D2 03 followed by the fixed
// selector for cmd.
func BuildCRCCommand(cmd CommandID) ([]byte, error) {
	sel, ok := crcSelectors[cmd]
	if !ok {
		return nil, fmt.Errorf("protocol: no crc selector for command %s", cmd)
	}
	frame := make([]byte, 0, crcCommandLen)
	frame = append(frame, CRCHeader[:]...)
	frame = append(frame, sel[:]...)
	return frame, nil
}

// BuildCommand returns the request frame for cmd in the given variant.
func BuildCommand(v Variant, cmd CommandID) ([]byte, error) {
	switch v {
	case VariantChecksum:
		return BuildChecksumCommand(cmd), nil
	case VariantCRC:
		return BuildCRCCommand(cmd)
	default:
		return nil, fmt.Errorf("protocol: %w: %s", ErrUnknownVariant, v)
	}
}
