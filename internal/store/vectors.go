package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrCorruptVector is returned when stored vector bytes do not match the
// collection's dimension.
var ErrCorruptVector = errors.New("corrupt stored vector")

// encodeVector packs v as little-endian float32 values.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 0, len(v)*4)
	for _, f := range v {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks bytes written by encodeVector. Only vectors of the
// collection's dimension are accepted.
func decodeVector(data []byte, dimension int) ([]float32, error) {
	if len(data) != dimension*4 {
		return nil, fmt.Errorf("%w: %d bytes for dimension %d", ErrCorruptVector, len(data), dimension)
	}
	v := make([]float32, dimension)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}
