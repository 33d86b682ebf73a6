package protocol

// CRC16 computes CRC-16/MODBUS over data: reflected polynomial 0xA001,
// seed 0xFFFF, bits processed LSB first, no final xor.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Checksum8 returns the 8-bit sum (mod 256) of data.
func Checksum8(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}
