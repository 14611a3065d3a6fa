// Package engine implements blockwise quantize-and-compensate weight
// quantization driven by a curvature estimate H.
//
// Given a rows × columns weight W and a columns × columns H, Run quantizes W
// one column at a time. After each column the rounding error, scaled by the
// inverse curvature, is pushed onto the columns that have not been quantized
// yet, so later columns absorb the error of earlier ones.
//
// # Pipeline
//
//  1. Per-row quantizer parameters are calibrated on W.
//  2. Dead columns (H[i,i] == 0) get H[i,i] = 1 and W[:,i] = 0.
//  3. With activation order, columns are processed by descending H[i,i].
//  4. H is damped by DampingFraction · mean(diag(H)) and reduced to the upper
//     Cholesky factor of its inverse. A failed factorization is reported as
//     *NumericalInstabilityError and nothing is returned.
//  5. Columns are swept in blocks of BlockSize. Error propagation inside a
//     block is rank-1 per column; the block's accumulated error is applied to
//     the remaining columns in one product at the block boundary.
//  6. Outputs are mapped back to the original column order.
//
// # Groups
//
// With GroupSize > 0, quantizer parameters are recomputed every GroupSize
// columns from the current (already compensated) weights. When activation
// order is enabled, or StaticGroups is set, the parameters of every group are
// computed up front in original column order instead, so the group index of a
// column is always column / GroupSize.
//
// # Cancellation
//
// The context is checked at block boundaries only; a cancelled run returns
// ctx.Err() and no partial result.
package engine
