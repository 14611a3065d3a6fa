package matrix

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies the storage precision of a raw tensor buffer.
type DType uint8

const (
	// F32 is IEEE-754 binary32, little-endian.
	F32 DType = iota
	// F16 is IEEE-754 binary16, little-endian.
	F16
	// BF16 is bfloat16, little-endian.
	BF16
)

// String returns the canonical lower-case name.
func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// ParseDType maps a canonical name back to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "F32", "float32":
		return F32, nil
	case "f16", "F16", "float16":
		return F16, nil
	case "bf16", "BF16", "bfloat16":
		return BF16, nil
	}
	return 0, fmt.Errorf("matrix: unknown dtype %q", s)
}

// Decode elevates a little-endian rows×cols buffer of the given dtype to float64.
func Decode(data []byte, dtype DType, rows, cols int) (*Dense, error) {
	size := dtype.Size()
	if size == 0 {
		return nil, fmt.Errorf("matrix: unsupported dtype %s", dtype)
	}
	if len(data) != rows*cols*size {
		return nil, &ErrShapeMismatch{Op: "Decode", Want: [2]int{rows, cols}, Got: [2]int{len(data) / size, 1}}
	}

	m := New(rows, cols)
	switch dtype {
	case F32:
		for i := range m.data {
			m.data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case F16:
		for i := range m.data {
			m.data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32())
		}
	case BF16:
		for i, v := range bfloat16.DecodeFloat32(data) {
			m.data[i] = float64(v)
		}
	}
	return m, nil
}

// Encode writes m as a little-endian F32 or F16 buffer.
func Encode(m *Dense, dtype DType) ([]byte, error) {
	switch dtype {
	case F32:
		out := make([]byte, len(m.data)*4)
		for i, v := range m.data {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		}
		return out, nil
	case F16:
		out := make([]byte, len(m.data)*2)
		for i, v := range m.data {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("matrix: cannot encode dtype %s", dtype)
	}
}
