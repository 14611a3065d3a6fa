package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMagic is returned when data does not start with the artifact magic.
	ErrInvalidMagic = errors.New("persistence: invalid magic number")
	// ErrInvalidVersion is returned for artifacts written by a newer format version.
	ErrInvalidVersion = errors.New("persistence: unsupported version")
	// ErrTruncated is returned when data is shorter than the header declares.
	ErrTruncated = errors.New("persistence: truncated artifact")
	// ErrUnknownCodec is returned for metadata codecs without a stable id.
	ErrUnknownCodec = errors.New("persistence: unknown codec")
	// ErrUnknownCompression is returned for unsupported compression types.
	ErrUnknownCompression = errors.New("persistence: unknown compression")
	// ErrCorrupt is returned when header fields contradict each other.
	ErrCorrupt = errors.New("persistence: corrupt artifact header")
	// ErrTooLarge is returned when a section does not fit the header fields.
	ErrTooLarge = errors.New("persistence: artifact section too large")
)

// ChecksumMismatchError is returned when checksum verification fails.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("persistence: checksum mismatch: expected 0x%08x, got 0x%08x", e.Expected, e.Actual)
}

// IsChecksumMismatch returns true if err is or wraps a checksum mismatch error.
func IsChecksumMismatch(err error) bool {
	var target *ChecksumMismatchError
	return errors.As(err, &target)
}
