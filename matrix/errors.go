package matrix

import "fmt"

// ErrShapeMismatch is returned when operand dimensions are incompatible.
type ErrShapeMismatch struct {
	Op   string
	Want [2]int
	Got  [2]int
}

func (e *ErrShapeMismatch) Error() string {
	return fmt.Sprintf("matrix: %s: shape mismatch: want %dx%d, got %dx%d", e.Op, e.Want[0], e.Want[1], e.Got[0], e.Got[1])
}

// ErrNotPositiveDefinite is returned by the Cholesky routines when the input
// is not numerically symmetric positive definite.
type ErrNotPositiveDefinite struct {
	Op     string
	Reason string
}

func (e *ErrNotPositiveDefinite) Error() string {
	return fmt.Sprintf("matrix: %s: not positive definite: %s", e.Op, e.Reason)
}
