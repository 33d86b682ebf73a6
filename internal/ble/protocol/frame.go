package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame is one validated response.
//
// Checksum layout: Start(1) | Address(1) | Command(1) | Length(1) | Payload(Length) | Sum(1)
// CRC layout:      D2 03 | Length(1) | Payload(Length) | CRC16(2, big-endian)
type Frame struct {
	Variant Variant
	Raw     []byte

	// Header holds bytes 0-1: start marker and address for the checksum
	// variant, the fixed D2 03 header for the CRC variant.
	Header [2]byte

	// Command is the echoed command id; valid only when HasCommand is set.
	Command    CommandID
	HasCommand bool

	// Length is the declared payload length from the header.
	Length int

	// Payload aliases Raw between header and trailer.
	Payload []byte
}

// Validate checks raw against the wire format v and returns the parsed frame.
// raw is copied; the returned frame does not alias the caller's buffer.
func Validate(raw []byte, v Variant) (Frame, error) {
	switch v {
	case VariantChecksum:
		return validateChecksum(raw)
	case VariantCRC:
		return validateCRC(raw)
	default:
		return Frame{}, fmt.Errorf("protocol: %w: %s", ErrUnknownVariant, v)
	}
}

func validateChecksum(raw []byte) (Frame, error) {
	if len(raw) < ChecksumFrameLen {
		return Frame{}, fmt.Errorf("protocol: %w: got %d bytes, want >= %d", ErrTooShort, len(raw), ChecksumFrameLen)
	}
	if raw[0] != ChecksumStartByte {
		return Frame{}, fmt.Errorf("protocol: %w: got 0x%02X, want 0x%02X", ErrBadStartByte, raw[0], ChecksumStartByte)
	}
	last := len(raw) - 1
	if sum := Checksum8(raw[:last]); sum != raw[last] {
		return Frame{}, fmt.Errorf("protocol: %w: calculated 0x%02X, received 0x%02X", ErrChecksumMismatch, sum, raw[last])
	}

	buf := clone(raw)
	declared := int(buf[3])
	end := checksumHeaderLen + declared
	if end > len(buf)-checksumTrailerLen {
		return Frame{}, fmt.Errorf("protocol: %w: declared payload %d exceeds frame", ErrTooShort, declared)
	}

	return Frame{
		Variant:    VariantChecksum,
		Raw:        buf,
		Header:     [2]byte{buf[0], buf[1]},
		Command:    CommandID(buf[2]),
		HasCommand: true,
		Length:     declared,
		Payload:    buf[checksumHeaderLen:end],
	}, nil
}

func validateCRC(raw []byte) (Frame, error) {
	if len(raw) < CRCFrameLen {
		return Frame{}, fmt.Errorf("protocol: %w: got %d bytes, want %d", ErrTooShort, len(raw), CRCFrameLen)
	}
	if len(raw) > CRCFrameLen {
		return Frame{}, fmt.Errorf("protocol: %w: got %d bytes, want %d", ErrBadLength, len(raw), CRCFrameLen)
	}
	if raw[0] != CRCHeader[0] || raw[1] != CRCHeader[1] {
		return Frame{}, fmt.Errorf("protocol: %w: got % X, want % X", ErrBadHeader, raw[:2], CRCHeader[:])
	}
	body := len(raw) - crcTrailerLen
	received := binary.BigEndian.Uint16(raw[body:])
	if crc := CRC16(raw[:body]); crc != received {
		return Frame{}, fmt.Errorf("protocol: %w: calculated 0x%04X, received 0x%04X", ErrCrcMismatch, crc, received)
	}

	buf := clone(raw)
	return Frame{
		Variant: VariantCRC,
		Raw:     buf,
		Header:  CRCHeader,
		Length:  int(buf[2]),
		Payload: buf[crcHeaderLen:body],
	}, nil
}

// AppendCRC appends CRC16(frame) in the big-endian order Validate expects.
func AppendCRC(frame []byte) []byte {
	return binary.BigEndian.AppendUint16(frame, CRC16(frame))
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
