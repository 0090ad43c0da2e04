package protocol

// CRC-32/MPEG-2: poly 0x04C11DB7, MSB-first, no reflection, no final XOR.
// This is the default configuration of the STM32 hardware CRC unit.

// CRCSeed is the initial value used for packet and image checksums.
const CRCSeed uint32 = 0xFFFFFFFF

const crc32Poly = 0x04C11DB7

var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ crc32Poly
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

// CRC32 computes the checksum of data starting from initial.
// Passing a previous result as initial continues the computation.
func CRC32(data []byte, initial uint32) uint32 {
	crc := initial
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}
