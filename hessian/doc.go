// Package hessian accumulates the curvature proxy H = (2/n)·Σ xᵢ·xᵢᵀ of a
// layer's calibration inputs.
//
// Batches arrive one at a time and H is kept as a running mean: before a
// batch of b samples is added the existing sum is rescaled by n/(n+b), so the
// result after any sequence of batches equals the single-pass estimate over
// all samples. Accumulation is always float64.
//
// Columns whose diagonal entry stays exactly zero never saw a non-zero input.
// DeadColumns reports them as a roaring bitmap.
package hessian
