// Package matrix provides the dense linear algebra used by the quantization
// pipeline, built on gonum.
//
// All arithmetic is carried out in float64 regardless of how the weights and
// activations were stored, so curvature accumulation and the Cholesky chain
// keep full precision even when the model tensors are F16 or BF16.
//
// # Layout
//
// Dense is row-major. Row returns a view into the backing slice; every other
// accessor copies. Products and factorizations run on gonum views of the same
// slice, so unlike gonum zero-sized matrices are valid values.
//
// # Factorizations
//
//   - Cholesky returns the lower factor L with A = L·Lᵀ.
//   - CholeskyInverse returns A⁻¹ through the Cholesky factorization of A.
//   - CholeskyUpper returns the upper factor U with A = Uᵀ·U.
//
// A failed factorization is reported as *ErrNotPositiveDefinite.
package matrix
