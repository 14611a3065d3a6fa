package layer

import (
	"fmt"
	"sync"

	"github.com/hupe1980/gptq/matrix"
)

// LowRank is a factored weight W ≈ U·diag(S)·Vᵀ with U: out × r and V: in × r.
// Each factor is quantized independently through FactorV and FactorU.
type LowRank struct {
	mu sync.RWMutex
	u  *matrix.Dense
	s  []float64
	v  *matrix.Dense
}

// NewLowRank validates the factor shapes.
func NewLowRank(u *matrix.Dense, s []float64, v *matrix.Dense) (*LowRank, error) {
	if u.Cols() != len(s) || v.Cols() != len(s) {
		return nil, fmt.Errorf("%w: rank mismatch: U has %d, S has %d, V has %d", ErrShape, u.Cols(), len(s), v.Cols())
	}
	return &LowRank{u: u, s: append([]float64(nil), s...), v: v}, nil
}

// Rank returns r.
func (l *LowRank) Rank() int { return len(l.s) }

// Singular returns a copy of S.
func (l *LowRank) Singular() []float64 { return append([]float64(nil), l.s...) }

// SetV replaces V, typically with its quantized reconstruction so that the
// U factor is calibrated on the activations it will actually see.
func (l *LowRank) SetV(v *matrix.Dense) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, c := v.Dims(); r != l.v.Rows() || c != l.v.Cols() {
		return &matrix.ErrShapeMismatch{Op: "SetV", Want: [2]int{l.v.Rows(), l.v.Cols()}, Got: [2]int{r, c}}
	}
	l.v = v
	return nil
}

// Dense reconstructs U·diag(S)·Vᵀ.
func (l *LowRank) Dense() *matrix.Dense {
	l.mu.RLock()
	defer l.mu.RUnlock()
	us := l.u.Clone()
	for i := 0; i < us.Rows(); i++ {
		row := us.Row(i)
		for k := range row {
			row[k] *= l.s[k]
		}
	}
	w, _ := matrix.MulTransB(us, l.v)
	return w
}

// FactorV returns the geometry of Vᵀ (r × in).
func (l *LowRank) FactorV() Geometry { return &lowRankV{l: l} }

// FactorU returns the geometry of U (out × r).
func (l *LowRank) FactorU() Geometry { return &lowRankU{l: l} }

type lowRankV struct{ l *LowRank }

func (f *lowRankV) Kind() Kind { return KindLowRankV }

func (f *lowRankV) Weight() *matrix.Dense {
	f.l.mu.RLock()
	defer f.l.mu.RUnlock()
	return f.l.v.T()
}

func (f *lowRankV) Columns() int { return f.l.v.Rows() }

func (f *lowRankV) Unfold(t Tensor) (*matrix.Dense, int, error) {
	return flatten(t, f.l.v.Rows())
}

func (f *lowRankV) Restore(q *matrix.Dense) (*matrix.Dense, error) {
	if err := sameDims(q, f.l.v.Cols(), f.l.v.Rows()); err != nil {
		return nil, err
	}
	return q.T(), nil
}

type lowRankU struct{ l *LowRank }

func (f *lowRankU) Kind() Kind            { return KindLowRankU }
func (f *lowRankU) Weight() *matrix.Dense { return f.l.u.Clone() }
func (f *lowRankU) Columns() int          { return len(f.l.s) }

// Unfold projects the layer inputs into rank space: x·V·diag(S).
func (f *lowRankU) Unfold(t Tensor) (*matrix.Dense, int, error) {
	f.l.mu.RLock()
	defer f.l.mu.RUnlock()

	x, samples, err := flatten(t, f.l.v.Rows())
	if err != nil {
		return nil, 0, err
	}
	z, err := matrix.Mul(x, f.l.v)
	if err != nil {
		return nil, 0, err
	}
	for i := 0; i < z.Rows(); i++ {
		row := z.Row(i)
		for k := range row {
			row[k] *= f.l.s[k]
		}
	}
	return z, samples, nil
}

func (f *lowRankU) Restore(q *matrix.Dense) (*matrix.Dense, error) {
	if err := sameDims(q, f.l.u.Rows(), f.l.u.Cols()); err != nil {
		return nil, err
	}
	return q.Clone(), nil
}
