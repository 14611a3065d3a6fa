// Package conv provides checked integer conversions for fixed-width header
// fields.
//
// Encoding narrows Go ints into the uint8/int32/uint32 fields of an artifact
// header; decoding widens them back. Every function reports ErrOverflow
// instead of silently truncating.
package conv
