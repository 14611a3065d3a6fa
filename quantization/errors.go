package quantization

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a quantizer is used before FindParams.
	ErrNotReady = errors.New("quantization: parameters not computed")

	// ErrInvalidOption is returned for out-of-range option values.
	ErrInvalidOption = errors.New("quantization: invalid option")
)

// ErrUnsupportedBitDepth is returned for bit depths outside SupportedBits.
type ErrUnsupportedBitDepth struct {
	Bits int
}

func (e *ErrUnsupportedBitDepth) Error() string {
	return fmt.Sprintf("quantization: unsupported bit depth %d (want one of %v)", e.Bits, SupportedBits)
}
