// Package layer adapts the weight-bearing layer types a model may contain to
// the two-dimensional view the quantization engine works on.
//
// Every variant implements Geometry:
//
//   - Weight returns the rows × columns working copy, where columns are the
//     input features the curvature estimate is built over.
//   - Unfold flattens one batch of calibration activations into a
//     samples × columns matrix and reports how many samples it represents.
//   - Restore maps a quantized working copy back to the variant's native
//     storage layout.
//
// The set of variants is closed: Linear, TransposedLinear, Conv2D and the two
// factors of LowRank.
package layer
