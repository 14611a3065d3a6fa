package quantization

import (
	"math"
	"math/rand"
	"testing"

	"github.com/hupe1980/gptq/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRows(t *testing.T, rows [][]float64) *matrix.Dense {
	t.Helper()
	m, err := matrix.FromRows(rows)
	require.NoError(t, err)
	return m
}

func TestNew(t *testing.T) {
	for _, bits := range SupportedBits {
		q, err := New(bits)
		require.NoError(t, err)
		assert.Equal(t, bits, q.Bits())
		assert.Equal(t, 1<<bits-1, q.MaxQ())
		assert.False(t, q.Ready())
	}

	for _, bits := range []int{0, 1, 3, 16} {
		_, err := New(bits)
		var bitErr *ErrUnsupportedBitDepth
		require.ErrorAs(t, err, &bitErr)
		assert.Equal(t, bits, bitErr.Bits)
	}

	_, err := New(4, WithMSE(2.4, 0, 0.8))
	assert.ErrorIs(t, err, ErrInvalidOption)
	_, err = New(4, WithMSE(2.4, 100, 1.5))
	assert.ErrorIs(t, err, ErrInvalidOption)
}

func TestFindParams(t *testing.T) {
	t.Run("Symmetric", func(t *testing.T) {
		q, err := New(8, WithPerChannel(true), WithSymmetric(true))
		require.NoError(t, err)
		require.NoError(t, q.FindParams(mustRows(t, [][]float64{{-1, 0.5}, {0.25, -0.125}})))

		p := q.Params()
		assert.InDelta(t, 2.0/255, p.Scale[0], 1e-15)
		assert.InDelta(t, 0.5/255, p.Scale[1], 1e-15)
		assert.Equal(t, []float64{128, 128}, p.Zero)
	})

	t.Run("Asymmetric", func(t *testing.T) {
		q, err := New(4, WithPerChannel(true))
		require.NoError(t, err)
		require.NoError(t, q.FindParams(mustRows(t, [][]float64{{-1, 2}, {0, 3}})))

		p := q.Params()
		assert.InDelta(t, 0.2, p.Scale[0], 1e-15)
		assert.Equal(t, 5.0, p.Zero[0])
		assert.InDelta(t, 2.0, q.Quantize(2, 0), 1e-12)
		assert.InDelta(t, -1.0, q.Quantize(-1, 0), 1e-12)

		// Non-negative rows keep a zero-point representable in packed form.
		assert.Equal(t, 1.0, p.Zero[1])
	})

	t.Run("NonNegativeRow", func(t *testing.T) {
		for _, bits := range SupportedBits {
			q, err := New(bits, WithPerChannel(true))
			require.NoError(t, err)
			row := []float64{0, 1, 2, 3}
			require.NoError(t, q.FindParams(mustRows(t, [][]float64{row})))

			p := q.Params()
			assert.Equal(t, 1.0, p.Zero[0])
			assert.InDelta(t, 3/float64(q.MaxQ()-1), p.Scale[0], 1e-15)
			assert.Equal(t, uint8(q.MaxQ()), q.Code(3, 0))
			for _, v := range row {
				assert.LessOrEqual(t, math.Abs(q.Quantize(v, 0)-v), p.Scale[0]/2+1e-12)
			}
		}

		q, err := New(2, WithPerChannel(true))
		require.NoError(t, err)
		require.NoError(t, q.FindParams(mustRows(t, [][]float64{{0, 1, 2, 3}})))
		assert.InDelta(t, 1.5, q.Params().Scale[0], 1e-15)
		assert.InDelta(t, 3.0, q.Quantize(3, 0), 1e-12)
	})

	t.Run("AllZeroRow", func(t *testing.T) {
		for _, sym := range []bool{true, false} {
			q, err := New(4, WithPerChannel(true), WithSymmetric(sym))
			require.NoError(t, err)
			require.NoError(t, q.FindParams(mustRows(t, [][]float64{{0, 0, 0}})))

			p := q.Params()
			assert.InDelta(t, 2.0/15, p.Scale[0], 1e-15)
			assert.Equal(t, 0.0, q.Quantize(0, 0))
		}
	})

	t.Run("PerTensor", func(t *testing.T) {
		q, err := New(8, WithSymmetric(true))
		require.NoError(t, err)
		require.NoError(t, q.FindParams(mustRows(t, [][]float64{{-2, 1}, {0.5, 0.25}, {1, 1}})))

		p := q.Params()
		require.Len(t, p.Scale, 3)
		for i := range p.Scale {
			assert.InDelta(t, 4.0/255, p.Scale[i], 1e-15)
			assert.Equal(t, 128.0, p.Zero[i])
		}
	})

	t.Run("ColumnRange", func(t *testing.T) {
		q, err := New(4, WithPerChannel(true), WithSymmetric(true))
		require.NoError(t, err)
		x := mustRows(t, [][]float64{{100, -1, 1}})
		require.NoError(t, q.FindParamsCols(x, 1, 3))
		assert.InDelta(t, 2.0/15, q.Params().Scale[0], 1e-15)

		assert.Error(t, q.FindParamsCols(x, 2, 2))
		assert.Error(t, q.FindParamsCols(x, 0, 4))
	})
}

func TestQuantizeBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, bits := range SupportedBits {
		for _, sym := range []bool{true, false} {
			x := matrix.New(8, 64)
			for i := range x.RawData() {
				x.RawData()[i] = rng.NormFloat64()
			}
			// keep every row signed so the full grid is used
			for i := 0; i < 8; i++ {
				x.Set(i, 0, -3)
				x.Set(i, 1, 3)
			}

			q, err := New(bits, WithPerChannel(true), WithSymmetric(sym))
			require.NoError(t, err)
			require.NoError(t, q.FindParams(x))
			p := q.Params()

			for i := 0; i < 8; i++ {
				for _, v := range x.Row(i) {
					c := q.Code(v, i)
					assert.LessOrEqual(t, int(c), q.MaxQ())
					got := q.Quantize(v, i)
					assert.InDelta(t, p.Scale[i]*(float64(c)-p.Zero[i]), got, 1e-12)
					if sym {
						assert.LessOrEqual(t, math.Abs(got-v), p.Scale[i]/2+1e-9)
					} else {
						assert.LessOrEqual(t, math.Abs(got-v), p.Scale[i]+1e-9)
					}
				}
			}
		}
	}
}

func TestMinErrorSearch(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := matrix.New(4, 256)
	for i := range x.RawData() {
		x.RawData()[i] = rng.NormFloat64() * 0.1
	}
	for i := 0; i < 4; i++ {
		x.Set(i, i, 5) // outlier stretches the plain min/max range
	}

	plain, err := New(4, WithPerChannel(true))
	require.NoError(t, err)
	require.NoError(t, plain.FindParams(x))

	searched, err := New(4, WithPerChannel(true), WithMinError())
	require.NoError(t, err)
	require.NoError(t, searched.FindParams(x))

	for i := 0; i < 4; i++ {
		var e1, e2 float64
		for _, v := range x.Row(i) {
			e1 += math.Pow(math.Abs(plain.Quantize(v, i)-v), DefaultNorm)
			e2 += math.Pow(math.Abs(searched.Quantize(v, i)-v), DefaultNorm)
		}
		assert.LessOrEqual(t, e2, e1)
		assert.LessOrEqual(t, searched.Params().Scale[i], plain.Params().Scale[i])
	}
}

func TestColumnOps(t *testing.T) {
	q, err := New(2, WithPerChannel(true), WithSymmetric(true))
	require.NoError(t, err)

	_, err = q.QuantizeColumn([]float64{1}, nil)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = q.CodeColumn([]float64{1}, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, q.SetParams(Params{Scale: []float64{0.5, 1}, Zero: []float64{2, 2}}))
	out, err := q.QuantizeColumn([]float64{0.5, -7}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -2}, out)

	codes, err := q.CodeColumn([]float64{0.5, -7}, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint8{3, 0}, codes)

	_, err = q.QuantizeColumn([]float64{1, 2, 3}, nil)
	assert.Error(t, err)
	assert.Error(t, q.SetParams(Params{Scale: []float64{1}}))
}
