// Package packing stores quantized weights as 2, 4 or 8-bit fields inside
// 32-bit words and restores them.
//
// # Layout
//
// For a weight of R output rows and C input columns at b bits, with
// k = 32/b values per word:
//
//	QWeight    ⌈C/k⌉ × R words   word (p, o) holds columns p·k … p·k+k-1 of row o
//	QZeros     G × ⌈R/k⌉ words   word (g, p) holds zero-1 of rows p·k … p·k+k-1
//	Scales     G × R floats
//	GroupIndex C ints            group of each column
//
// Within a word value j sits at bit offset b·j (least significant first).
// Zero-points are stored minus one, so the representable zero range is
// [1, 2^b]. Trailing fields of a partially filled word are zero.
package packing
