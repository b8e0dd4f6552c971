package modbus

// CRC16 computes the CRC-16/MODBUS of buf (reflected polynomial 0xA001,
// initial value 0xFFFF). On the wire the low byte goes first.
func CRC16(buf []byte) uint16 {
	var crc uint16 = 0xffff
	for _, b := range buf {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xa001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// appendCRC appends the CRC of frame in wire order.
func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// checkCRC reports whether the trailing two bytes of frame are its CRC.
func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	crc := CRC16(frame[:n])
	return frame[n] == byte(crc) && frame[n+1] == byte(crc>>8)
}
