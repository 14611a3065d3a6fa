package packing

import (
	"errors"
	"fmt"

	"github.com/hupe1980/gptq/quantization"
)

// ErrShape is returned when buffer lengths do not match the declared shape.
var ErrShape = errors.New("packing: shape mismatch")

// ErrUnsupportedBitDepth is returned for bit depths other than 2, 4 and 8.
type ErrUnsupportedBitDepth = quantization.ErrUnsupportedBitDepth

// ErrValueOutOfRange is returned when a code, zero-point or group index does
// not fit the packed layout.
type ErrValueOutOfRange struct {
	Field string
	Index int
	Value float64
}

func (e *ErrValueOutOfRange) Error() string {
	return fmt.Sprintf("packing: %s[%d] = %g out of range", e.Field, e.Index, e.Value)
}
