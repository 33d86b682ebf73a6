package protocol

import "errors"

var (
	ErrTooShort         = errors.New("frame too short")
	ErrBadStartByte     = errors.New("bad start byte")
	ErrBadHeader        = errors.New("bad header")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrCrcMismatch      = errors.New("crc mismatch")
	ErrBadLength        = errors.New("frame length does not match fixed total")
	ErrUnknownVariant   = errors.New("unknown protocol variant")
)
