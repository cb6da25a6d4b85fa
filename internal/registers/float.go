package registers

import (
	"encoding/binary"
	"math"
)

// EncodeFloat32 splits the big-endian IEEE-754 representation of v into two
// registers: hi carries the upper 16 bits, lo the lower 16 bits.
func EncodeFloat32(v float32) (hi, lo uint16) {
	bits := math.Float32bits(v)
	return uint16(bits >> 16), uint16(bits)
}

// DecodeFloat32 is the inverse of EncodeFloat32.
func DecodeFloat32(hi, lo uint16) float32 {
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

// BytesToWords converts a big-endian register payload, as returned by
// Modbus read functions, into words. A trailing odd byte is ignored.
func BytesToWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out
}

// WordsToBytes is the inverse of BytesToWords.
func WordsToBytes(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(out[i*2:], w)
	}
	return out
}
