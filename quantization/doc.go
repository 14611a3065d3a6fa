// Package quantization implements the affine (scale / zero-point) quantizer
// used to map real-valued weights onto a b-bit integer grid.
//
// A quantizer is configured once with a bit depth and flags, then calibrated
// with FindParams on a weight matrix (or a column range of it). After
// calibration every row owns a scale and a zero-point and values are mapped as
//
//	code = clamp(round(x/scale) + zero, 0, 2^b-1)
//	q    = scale · (code - zero)
//
// # Modes
//
//   - Per-channel: one (scale, zero) pair per row. Otherwise a single pair is
//     computed over the whole range and repeated for every row.
//   - Symmetric: the range is mirrored around 0 and zero = 2^(b-1).
//     Asymmetric ranges use zero = round(-min/scale), kept within [1, 2^b-1]
//     so that zero-1 always fits in b bits when packed.
//   - MSE search: the range is shrunk on a grid and, per row, the clipping that
//     minimizes Σ|q(x)-x|^norm is kept.
//
// # Usage
//
//	q, err := quantization.New(4, quantization.WithPerChannel(true))
//	if err != nil { ... }
//	if err := q.FindParams(w); err != nil { ... }
//	v := q.Quantize(w.At(0, 0), 0)
//
// Supported bit depths are 2, 4 and 8.
package quantization
