package layer

import (
	"fmt"

	"github.com/hupe1980/gptq/matrix"
)

// Kind identifies a geometry variant.
type Kind uint8

const (
	KindLinear Kind = iota
	KindTransposedLinear
	KindConv2D
	KindLowRankV
	KindLowRankU
)

func (k Kind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindTransposedLinear:
		return "transposed_linear"
	case KindConv2D:
		return "conv2d"
	case KindLowRankV:
		return "lowrank_v"
	case KindLowRankU:
		return "lowrank_u"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Geometry is the engine-facing view of a weight-bearing layer.
type Geometry interface {
	Kind() Kind
	// Weight returns a rows × columns working copy.
	Weight() *matrix.Dense
	// Columns is the input width the curvature estimate is built over.
	Columns() int
	// Unfold flattens a batch of activations and returns the sample count.
	Unfold(t Tensor) (*matrix.Dense, int, error)
	// Restore maps a rows × columns matrix back to native layout.
	Restore(q *matrix.Dense) (*matrix.Dense, error)
}

// Linear is a dense layer with weight stored as out × in.
type Linear struct {
	w *matrix.Dense
}

// NewLinear wraps an out × in weight.
func NewLinear(w *matrix.Dense) *Linear {
	return &Linear{w: w}
}

func (l *Linear) Kind() Kind            { return KindLinear }
func (l *Linear) Weight() *matrix.Dense { return l.w.Clone() }
func (l *Linear) Columns() int          { return l.w.Cols() }

func (l *Linear) Unfold(t Tensor) (*matrix.Dense, int, error) {
	return flatten(t, l.w.Cols())
}

func (l *Linear) Restore(q *matrix.Dense) (*matrix.Dense, error) {
	if err := sameDims(q, l.w.Rows(), l.w.Cols()); err != nil {
		return nil, err
	}
	return q.Clone(), nil
}

// TransposedLinear is a dense layer whose weight is stored as in × out.
type TransposedLinear struct {
	w *matrix.Dense
}

// NewTransposedLinear wraps an in × out weight.
func NewTransposedLinear(w *matrix.Dense) *TransposedLinear {
	return &TransposedLinear{w: w}
}

func (l *TransposedLinear) Kind() Kind            { return KindTransposedLinear }
func (l *TransposedLinear) Weight() *matrix.Dense { return l.w.T() }
func (l *TransposedLinear) Columns() int          { return l.w.Rows() }

func (l *TransposedLinear) Unfold(t Tensor) (*matrix.Dense, int, error) {
	return flatten(t, l.w.Rows())
}

func (l *TransposedLinear) Restore(q *matrix.Dense) (*matrix.Dense, error) {
	if err := sameDims(q, l.w.Cols(), l.w.Rows()); err != nil {
		return nil, err
	}
	return q.T(), nil
}

func sameDims(q *matrix.Dense, rows, cols int) error {
	if r, c := q.Dims(); r != rows || c != cols {
		return &matrix.ErrShapeMismatch{Op: "Restore", Want: [2]int{rows, cols}, Got: [2]int{r, c}}
	}
	return nil
}
