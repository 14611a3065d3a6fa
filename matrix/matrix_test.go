package matrix

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSPD(rng *rand.Rand, n int) *Dense {
	x := New(2*n, n)
	for i := range x.RawData() {
		x.RawData()[i] = rng.NormFloat64()
	}
	a := Identity(n)
	_ = AddGram(a, x, 1)
	return a
}

func TestDenseBasics(t *testing.T) {
	m, err := FromRows([][]float64{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)

	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, []float64{2, 5}, m.Col(1, nil))
	assert.Equal(t, []float64{1, 5}, m.Diag())

	tr := m.T()
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, tr.RawData())

	sub := m.SliceCols(1, 3)
	assert.Equal(t, []float64{2, 3, 5, 6}, sub.RawData())

	m.Row(0)[0] = 9
	assert.Equal(t, 9.0, m.At(0, 0))

	_, err = FromRows([][]float64{{1, 2}, {3}})
	var shapeErr *ErrShapeMismatch
	require.ErrorAs(t, err, &shapeErr)
}

func TestMul(t *testing.T) {
	a, _ := FromRows([][]float64{{1, 2}, {3, 4}})
	b, _ := FromRows([][]float64{{5, 6}, {7, 8}})

	p, err := Mul(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{19, 22, 43, 50}, p.RawData())

	pt, err := MulTransB(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float64{17, 23, 39, 53}, pt.RawData())

	_, err = Mul(a, New(3, 1))
	assert.Error(t, err)

	// gonum rejects zero-sized operands; the wrappers do not.
	z, err := Mul(New(2, 0), New(0, 3))
	require.NoError(t, err)
	assert.Equal(t, make([]float64, 6), z.RawData())

	z, err = MulTransB(New(0, 2), a)
	require.NoError(t, err)
	assert.Equal(t, 0, z.Rows())
}

func TestAddGram(t *testing.T) {
	x, _ := FromRows([][]float64{{1, 2}, {3, 4}, {0, 1}})
	g := New(2, 2)
	require.NoError(t, AddGram(g, x, 0.5))

	// xᵀx = [[10, 14], [14, 21]]
	assert.InDeltaSlice(t, []float64{5, 7, 7, 10.5}, g.RawData(), 1e-12)
	assert.Error(t, AddGram(New(3, 3), x, 1))

	// Accumulating on top of an existing estimate.
	require.NoError(t, AddGram(g, x, 0.5))
	assert.InDeltaSlice(t, []float64{10, 14, 14, 21}, g.RawData(), 1e-12)
	require.NoError(t, AddGram(g, New(0, 2), 1))
	assert.InDeltaSlice(t, []float64{10, 14, 14, 21}, g.RawData(), 1e-12)
}

func TestPermutations(t *testing.T) {
	m, _ := FromRows([][]float64{{1, 2, 3}, {2, 4, 5}, {3, 5, 6}})
	perm := []int{2, 0, 1}

	p := m.PermuteSym(perm)
	assert.Equal(t, 6.0, p.At(0, 0))
	assert.Equal(t, 3.0, p.At(0, 1))
	assert.Equal(t, 5.0, p.At(0, 2))

	inv := InversePermutation(perm)
	assert.Equal(t, []int{1, 2, 0}, inv)
	back := p.PermuteSym(inv)
	assert.Equal(t, m.RawData(), back.RawData())

	cols := m.PermuteCols(perm).PermuteCols(inv)
	assert.Equal(t, m.RawData(), cols.RawData())

	assert.True(t, IsPermutation(perm))
	assert.False(t, IsPermutation([]int{0, 0, 1}))
}

func TestArgsortDesc(t *testing.T) {
	assert.Equal(t, []int{1, 3, 0, 2}, ArgsortDesc([]float64{2, 5, 1, 5 - 1e-9}))
	// ties keep input order
	assert.Equal(t, []int{0, 2, 1}, ArgsortDesc([]float64{3, 1, 3}))
}

func TestCholesky(t *testing.T) {
	t.Run("Known", func(t *testing.T) {
		a, _ := FromRows([][]float64{{4, 2}, {2, 3}})
		l, err := Cholesky(a)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{2, 0, 1, math.Sqrt2}, l.RawData(), 1e-12)

		inv, err := CholeskyInverse(a)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{0.375, -0.25, -0.25, 0.5}, inv.RawData(), 1e-12)

		u, err := CholeskyUpper(a)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{2, 1, 0, math.Sqrt2}, u.RawData(), 1e-12)
	})

	t.Run("Random", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for _, n := range []int{1, 5, 17} {
			a := randomSPD(rng, n)
			l, err := Cholesky(a)
			require.NoError(t, err)

			llt, err := MulTransB(l, l)
			require.NoError(t, err)
			assert.Less(t, MaxAbsDiff(a, llt), 1e-9)

			inv, err := CholeskyInverse(a)
			require.NoError(t, err)
			assert.True(t, inv.IsSymmetric(1e-12))
			id, err := Mul(a, inv)
			require.NoError(t, err)
			assert.Less(t, MaxAbsDiff(id, Identity(n)), 1e-8)

			u, err := CholeskyUpper(a)
			require.NoError(t, err)
			utu, err := Mul(u.T(), u)
			require.NoError(t, err)
			assert.Less(t, MaxAbsDiff(a, utu), 1e-9)
		}
	})

	t.Run("NotPositiveDefinite", func(t *testing.T) {
		a, _ := FromRows([][]float64{{1, 2}, {2, 1}})
		_, err := Cholesky(a)
		var npd *ErrNotPositiveDefinite
		require.ErrorAs(t, err, &npd)
		assert.Equal(t, "Cholesky", npd.Op)

		_, err = CholeskyInverse(New(2, 2))
		require.ErrorAs(t, err, &npd)
		assert.Equal(t, "CholeskyInverse", npd.Op)

		_, err = CholeskyUpper(New(2, 3))
		var shapeErr *ErrShapeMismatch
		assert.ErrorAs(t, err, &shapeErr)
	})

	t.Run("NonFinite", func(t *testing.T) {
		for _, v := range []float64{math.NaN(), math.Inf(1)} {
			a, _ := FromRows([][]float64{{v}})
			_, err := Cholesky(a)
			var npd *ErrNotPositiveDefinite
			assert.ErrorAs(t, err, &npd)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		for _, f := range []func(*Dense) (*Dense, error){Cholesky, CholeskyInverse, CholeskyUpper} {
			out, err := f(New(0, 0))
			require.NoError(t, err)
			assert.Equal(t, 0, out.Rows())
		}
	})
}

func TestIsSymmetric(t *testing.T) {
	m, _ := FromRows([][]float64{{2, 1}, {1, 3}})
	assert.True(t, m.IsSymmetric(0))

	m.Set(1, 0, 1+1e-13)
	assert.False(t, m.IsSymmetric(0))
	assert.True(t, m.IsSymmetric(1e-9))

	m.Set(1, 0, 4)
	assert.False(t, m.IsSymmetric(1e-9))
	assert.False(t, New(2, 3).IsSymmetric(1))
}

func TestDecodeEncode(t *testing.T) {
	t.Run("F16", func(t *testing.T) {
		m, err := Decode([]byte{0x00, 0x3C, 0x00, 0x40, 0x00, 0xC0, 0x00, 0x00}, F16, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, -2, 0}, m.RawData())

		raw, err := Encode(m, F16)
		require.NoError(t, err)
		back, err := Decode(raw, F16, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, m.RawData(), back.RawData())
	})

	t.Run("BF16", func(t *testing.T) {
		m, err := Decode([]byte{0x80, 0x3F, 0x00, 0x40}, BF16, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2}, m.RawData())
	})

	t.Run("F32", func(t *testing.T) {
		src, _ := FromRows([][]float64{{0.5, -1.25, 3}})
		raw, err := Encode(src, F32)
		require.NoError(t, err)
		assert.Len(t, raw, 12)
		back, err := Decode(raw, F32, 1, 3)
		require.NoError(t, err)
		assert.Equal(t, src.RawData(), back.RawData())
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		_, err := Decode([]byte{1, 2, 3}, F32, 1, 1)
		assert.Error(t, err)
		_, err = Encode(New(1, 1), BF16)
		assert.Error(t, err)
	})

	d, err := ParseDType("bf16")
	require.NoError(t, err)
	assert.Equal(t, BF16, d)
	assert.Equal(t, "f16", F16.String())
}
