package matrix

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// Dense is a row-major float64 matrix.
type Dense struct {
	rows, cols int
	data       []float64
}

// New returns a zeroed rows×cols matrix.
func New(rows, cols int) *Dense {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("matrix: negative dimension %dx%d", rows, cols))
	}
	return &Dense{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

// NewFromData wraps data (no copy) as a rows×cols matrix.
func NewFromData(rows, cols int, data []float64) (*Dense, error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, &ErrShapeMismatch{Op: "NewFromData", Want: [2]int{rows, cols}, Got: [2]int{len(data), 1}}
	}
	return &Dense{rows: rows, cols: cols, data: data}, nil
}

// FromFloat32 converts a row-major float32 buffer into a float64 matrix.
func FromFloat32(rows, cols int, data []float32) (*Dense, error) {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		return nil, &ErrShapeMismatch{Op: "FromFloat32", Want: [2]int{rows, cols}, Got: [2]int{len(data), 1}}
	}
	m := New(rows, cols)
	for i, v := range data {
		m.data[i] = float64(v)
	}
	return m, nil
}

// FromRows builds a matrix from a slice of equally sized rows.
func FromRows(rows [][]float64) (*Dense, error) {
	if len(rows) == 0 {
		return New(0, 0), nil
	}
	cols := len(rows[0])
	m := New(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, &ErrShapeMismatch{Op: "FromRows", Want: [2]int{i, cols}, Got: [2]int{i, len(r)}}
		}
		copy(m.Row(i), r)
	}
	return m, nil
}

// Identity returns the n×n identity matrix.
func Identity(n int) *Dense {
	m := New(n, n)
	for i := 0; i < n; i++ {
		m.data[i*n+i] = 1
	}
	return m
}

// Dims returns the number of rows and columns.
func (m *Dense) Dims() (int, int) { return m.rows, m.cols }

// Rows returns the number of rows.
func (m *Dense) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Dense) Cols() int { return m.cols }

// At returns the element at (i, j).
func (m *Dense) At(i, j int) float64 { return m.data[i*m.cols+j] }

// Set sets the element at (i, j).
func (m *Dense) Set(i, j int, v float64) { m.data[i*m.cols+j] = v }

// Row returns a view of row i. Writes go through to the matrix.
func (m *Dense) Row(i int) []float64 {
	off := i * m.cols
	return m.data[off : off+m.cols : off+m.cols]
}

// RawData exposes the backing slice.
func (m *Dense) RawData() []float64 { return m.data }

// Col copies column j into dst (allocated when too small) and returns it.
func (m *Dense) Col(j int, dst []float64) []float64 {
	if cap(dst) < m.rows {
		dst = make([]float64, m.rows)
	}
	dst = dst[:m.rows]
	for i := 0; i < m.rows; i++ {
		dst[i] = m.data[i*m.cols+j]
	}
	return dst
}

// SetCol overwrites column j with src.
func (m *Dense) SetCol(j int, src []float64) {
	for i := 0; i < m.rows; i++ {
		m.data[i*m.cols+j] = src[i]
	}
}

// view returns a gonum matrix sharing m's backing slice. gonum rejects
// zero-sized matrices, so callers check empty first.
func (m *Dense) view() *mat.Dense { return mat.NewDense(m.rows, m.cols, m.data) }

func (m *Dense) empty() bool { return m.rows == 0 || m.cols == 0 }

// fromMatrix copies a gonum matrix into a new Dense.
func fromMatrix(a mat.Matrix) *Dense {
	r, c := a.Dims()
	out := New(r, c)
	if !out.empty() {
		out.view().Copy(a)
	}
	return out
}

// IsSymmetric reports whether m is square and |m[i,j]-m[j,i]| <= tol·max(1, |m[i,j]|, |m[j,i]|)
// for every pair.
func (m *Dense) IsSymmetric(tol float64) bool {
	if m.rows != m.cols {
		return false
	}
	n := m.rows
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := m.data[i*n+j], m.data[j*n+i]
			if !scalar.EqualWithinAbsOrRel(a, b, tol, tol) {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy.
func (m *Dense) Clone() *Dense {
	out := &Dense{rows: m.rows, cols: m.cols, data: make([]float64, len(m.data))}
	copy(out.data, m.data)
	return out
}

// Zero resets every element to 0.
func (m *Dense) Zero() {
	clear(m.data)
}

// Scale multiplies every element by f in place.
func (m *Dense) Scale(f float64) {
	floats.Scale(f, m.data)
}

// Diag returns a copy of the main diagonal of a square matrix.
func (m *Dense) Diag() []float64 {
	n := min(m.rows, m.cols)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = m.data[i*m.cols+i]
	}
	return d
}

// T returns the transpose as a new matrix.
func (m *Dense) T() *Dense {
	if m.empty() {
		return New(m.cols, m.rows)
	}
	return fromMatrix(m.view().T())
}

// SliceCols copies columns [c0, c1) into a new matrix.
func (m *Dense) SliceCols(c0, c1 int) *Dense {
	if c0 < 0 || c1 > m.cols || c0 > c1 {
		panic(fmt.Sprintf("matrix: column slice [%d:%d] out of range for %d columns", c0, c1, m.cols))
	}
	out := New(m.rows, c1-c0)
	for i := 0; i < m.rows; i++ {
		copy(out.Row(i), m.data[i*m.cols+c0:i*m.cols+c1])
	}
	return out
}

// Slice copies the sub-matrix [r0, r1) × [c0, c1).
func (m *Dense) Slice(r0, r1, c0, c1 int) *Dense {
	if r0 < 0 || r1 > m.rows || r0 > r1 || c0 < 0 || c1 > m.cols || c0 > c1 {
		panic(fmt.Sprintf("matrix: slice [%d:%d, %d:%d] out of range for %dx%d", r0, r1, c0, c1, m.rows, m.cols))
	}
	out := New(r1-r0, c1-c0)
	for i := r0; i < r1; i++ {
		copy(out.Row(i-r0), m.data[i*m.cols+c0:i*m.cols+c1])
	}
	return out
}

// PermuteCols returns a copy whose column j is column perm[j] of m.
func (m *Dense) PermuteCols(perm []int) *Dense {
	if len(perm) != m.cols {
		panic(fmt.Sprintf("matrix: permutation of length %d for %d columns", len(perm), m.cols))
	}
	out := New(m.rows, m.cols)
	for i := 0; i < m.rows; i++ {
		src := m.Row(i)
		dst := out.Row(i)
		for j, p := range perm {
			dst[j] = src[p]
		}
	}
	return out
}

// PermuteSym returns P·m·Pᵀ, i.e. m[perm][:, perm], for a square matrix.
func (m *Dense) PermuteSym(perm []int) *Dense {
	if m.rows != m.cols || len(perm) != m.rows {
		panic(fmt.Sprintf("matrix: symmetric permutation of length %d for %dx%d", len(perm), m.rows, m.cols))
	}
	n := m.rows
	out := New(n, n)
	for i, pi := range perm {
		src := m.Row(pi)
		dst := out.Row(i)
		for j, pj := range perm {
			dst[j] = src[pj]
		}
	}
	return out
}

// Mul returns a·b.
func Mul(a, b *Dense) (*Dense, error) {
	if a.cols != b.rows {
		return nil, &ErrShapeMismatch{Op: "Mul", Want: [2]int{a.cols, b.cols}, Got: [2]int{b.rows, b.cols}}
	}
	out := New(a.rows, b.cols)
	if out.empty() || a.cols == 0 {
		return out, nil
	}
	out.view().Mul(a.view(), b.view())
	return out, nil
}

// MulTransB returns a·bᵀ.
func MulTransB(a, b *Dense) (*Dense, error) {
	if a.cols != b.cols {
		return nil, &ErrShapeMismatch{Op: "MulTransB", Want: [2]int{b.rows, a.cols}, Got: [2]int{b.rows, b.cols}}
	}
	out := New(a.rows, b.rows)
	if out.empty() || a.cols == 0 {
		return out, nil
	}
	out.view().Mul(a.view(), b.view().T())
	return out, nil
}

// AddGram accumulates dst += alpha·xᵀ·x where x is samples×cols and dst is a
// symmetric cols×cols matrix. Only the upper triangle of dst is read; the
// result is written back to both triangles.
func AddGram(dst, x *Dense, alpha float64) error {
	if dst.rows != dst.cols || dst.cols != x.cols {
		return &ErrShapeMismatch{Op: "AddGram", Want: [2]int{x.cols, x.cols}, Got: [2]int{dst.rows, dst.cols}}
	}
	if x.empty() {
		return nil
	}
	g := mat.NewSymDense(dst.cols, dst.data)
	g.SymRankK(g, alpha, x.view().T())
	dst.mirrorUpper()
	return nil
}

// mirrorUpper copies the upper triangle of a square matrix onto the lower one.
func (m *Dense) mirrorUpper() {
	n := m.rows
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			m.data[j*n+i] = m.data[i*n+j]
		}
	}
}

// Add accumulates dst += alpha·src element-wise.
func Add(dst, src *Dense, alpha float64) error {
	if dst.rows != src.rows || dst.cols != src.cols {
		return &ErrShapeMismatch{Op: "Add", Want: [2]int{dst.rows, dst.cols}, Got: [2]int{src.rows, src.cols}}
	}
	floats.AddScaled(dst.data, alpha, src.data)
	return nil
}

// MaxAbsDiff returns max |a-b| over all elements, or +Inf when shapes differ.
func MaxAbsDiff(a, b *Dense) float64 {
	if a.rows != b.rows || a.cols != b.cols {
		return math.Inf(1)
	}
	if len(a.data) == 0 {
		return 0
	}
	return floats.Distance(a.data, b.data, math.Inf(1))
}
