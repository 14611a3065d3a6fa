package persistence

import (
	"hash/crc32"
)

// crc32Table is the IEEE polynomial table used for artifact checksums.
//
// CRC32 detects accidental corruption only; it is not a tamper check.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// Checksum computes the CRC32 of the given sections in order.
func Checksum(sections ...[]byte) uint32 {
	var sum uint32
	for _, s := range sections {
		sum = crc32.Update(sum, crc32Table, s)
	}
	return sum
}

func verifyChecksum(expected uint32, sections ...[]byte) error {
	if actual := Checksum(sections...); actual != expected {
		return &ChecksumMismatchError{Expected: expected, Actual: actual}
	}
	return nil
}
