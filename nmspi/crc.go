package nmspi

// crc7Table is the syndrome table of the CRC7 polynomial x^7+x^3+1. Entry i
// holds i*x^7 mod P.
var crc7Table = makeCRC7Table()

func makeCRC7Table() (t [256]byte) {
	const poly = 0x89
	for i := range t {
		v := uint16(i) << 7
		for bit := 14; bit >= 7; bit-- {
			if v&(1<<bit) != 0 {
				v ^= poly << (bit - 7)
			}
		}
		t[i] = byte(v)
	}
	return t
}

// CRC7 continues the CRC7 computation of crc over buf. Command frames are
// checked with a seed of 0x7f.
func CRC7(crc byte, buf []byte) byte {
	for _, b := range buf {
		crc = crc7Table[(crc<<1)^b]
	}
	return crc
}

// frameCRC returns the CRC byte as sent on the wire: the CRC7 of the frame
// left shifted by one bit.
func frameCRC(frame []byte) byte {
	return CRC7(0x7f, frame) << 1
}
