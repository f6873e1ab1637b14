package analysis

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeF32 renders a vector as little-endian float32 bytes, the storage
// format for every vec blob in the database.
func EncodeF32(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// DecodeF32 parses a little-endian float32 blob.
func DecodeF32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}
