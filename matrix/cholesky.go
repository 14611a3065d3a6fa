package matrix

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// factorize computes the Cholesky factorization of a symmetric matrix. Only
// the upper triangle of a is read.
func factorize(op string, a *Dense) (*mat.Cholesky, error) {
	if a.rows != a.cols {
		return nil, &ErrShapeMismatch{Op: op, Want: [2]int{a.rows, a.rows}, Got: [2]int{a.rows, a.cols}}
	}
	for _, v := range a.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &ErrNotPositiveDefinite{Op: op, Reason: "non-finite entry"}
		}
	}

	sym := mat.NewSymDense(a.rows, append([]float64(nil), a.data...))
	var c mat.Cholesky
	if ok := c.Factorize(sym); !ok {
		return nil, &ErrNotPositiveDefinite{Op: op, Reason: "factorization failed"}
	}
	return &c, nil
}

// Cholesky returns the lower-triangular factor L with a = L·Lᵀ.
func Cholesky(a *Dense) (*Dense, error) {
	if a.empty() && a.rows == a.cols {
		return New(0, 0), nil
	}
	c, err := factorize("Cholesky", a)
	if err != nil {
		return nil, err
	}
	var l mat.TriDense
	c.LTo(&l)
	return fromMatrix(&l), nil
}

// CholeskyInverse returns a⁻¹ for a symmetric positive definite a, computed
// from its Cholesky factorization.
func CholeskyInverse(a *Dense) (*Dense, error) {
	if a.empty() && a.rows == a.cols {
		return New(0, 0), nil
	}
	c, err := factorize("CholeskyInverse", a)
	if err != nil {
		return nil, err
	}
	var inv mat.SymDense
	if err := c.InverseTo(&inv); err != nil {
		// A large condition number is reported but the inverse is still valid.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, &ErrNotPositiveDefinite{Op: "CholeskyInverse", Reason: err.Error()}
		}
	}
	return fromMatrix(&inv), nil
}

// CholeskyUpper returns the upper-triangular factor U with a = Uᵀ·U.
func CholeskyUpper(a *Dense) (*Dense, error) {
	if a.empty() && a.rows == a.cols {
		return New(0, 0), nil
	}
	c, err := factorize("CholeskyUpper", a)
	if err != nil {
		return nil, err
	}
	var u mat.TriDense
	c.UTo(&u)
	return fromMatrix(&u), nil
}

// ArgsortDesc returns the indices that sort v in descending order.
// Ties keep their original relative order.
func ArgsortDesc(v []float64) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v[idx[a]] > v[idx[b]] })
	return idx
}

// InversePermutation returns q with q[p[i]] = i.
func InversePermutation(p []int) []int {
	q := make([]int, len(p))
	for i, v := range p {
		q[v] = i
	}
	return q
}

// IsPermutation reports whether p is a permutation of 0..len(p)-1.
func IsPermutation(p []int) bool {
	seen := make([]bool, len(p))
	for _, v := range p {
		if v < 0 || v >= len(p) || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}
