package hessian

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/hupe1980/gptq/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBatch(rng *rand.Rand, rows, cols int) *matrix.Dense {
	m := matrix.New(rows, cols)
	for i := range m.RawData() {
		m.RawData()[i] = rng.NormFloat64()
	}
	return m
}

func TestAccumulator_SinglePass(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randomBatch(rng, 10, 4)

	acc := NewAccumulator(4)
	require.NoError(t, acc.AddBatch(x))
	assert.Equal(t, 10, acc.Samples())

	want := matrix.New(4, 4)
	require.NoError(t, matrix.AddGram(want, x, 2.0/10))

	h, err := acc.H()
	require.NoError(t, err)
	assert.Less(t, matrix.MaxAbsDiff(want, h), 1e-12)

	// symmetric by construction
	assert.Less(t, matrix.MaxAbsDiff(h, h.T()), 1e-15)
}

func TestAccumulator_SplitInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randomBatch(rng, 12, 5)

	whole := NewAccumulator(5)
	require.NoError(t, whole.AddBatch(x))
	want, _ := whole.H()

	splits := [][]int{{3, 9}, {9, 3}, {1, 1, 10}, {4, 4, 4}}
	for _, split := range splits {
		acc := NewAccumulator(5)
		start := 0
		for _, n := range split {
			require.NoError(t, acc.AddBatch(x.Slice(start, start+n, 0, 5)))
			start += n
		}
		got, err := acc.H()
		require.NoError(t, err)
		assert.Less(t, matrix.MaxAbsDiff(want, got), 1e-12, "split %v", split)
	}

	// reversed batch order
	acc := NewAccumulator(5)
	require.NoError(t, acc.AddBatch(x.Slice(6, 12, 0, 5)))
	require.NoError(t, acc.AddBatch(x.Slice(0, 6, 0, 5)))
	got, _ := acc.H()
	assert.Less(t, matrix.MaxAbsDiff(want, got), 1e-12)
}

func TestAccumulator_AddOuter(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a := randomBatch(rng, 6, 3)
	b := randomBatch(rng, 4, 3)

	ref := NewAccumulator(3)
	require.NoError(t, ref.AddBatch(a))
	require.NoError(t, ref.AddBatch(b))
	want, _ := ref.H()

	sum := matrix.New(3, 3)
	require.NoError(t, matrix.AddGram(sum, b, 1))

	acc := NewAccumulator(3)
	require.NoError(t, acc.AddBatch(a))
	require.NoError(t, acc.AddOuter(sum, 4))
	got, _ := acc.H()
	assert.Less(t, matrix.MaxAbsDiff(want, got), 1e-12)

	assert.ErrorIs(t, acc.AddOuter(matrix.New(2, 2), 1), ErrFeatureMismatch)

	skew := sum.Clone()
	skew.Set(2, 0, skew.At(0, 2)+1)
	assert.ErrorIs(t, acc.AddOuter(skew, 4), ErrNotSymmetric)
	assert.Equal(t, 10, acc.Samples())
	after, _ := acc.H()
	assert.Equal(t, got.RawData(), after.RawData())
}

func TestAccumulator_Errors(t *testing.T) {
	acc := NewAccumulator(3)
	err := acc.AddBatch(matrix.New(2, 4))
	assert.ErrorIs(t, err, ErrFeatureMismatch)
	assert.Equal(t, 0, acc.Samples())

	acc.Free()
	assert.ErrorIs(t, acc.AddBatch(matrix.New(1, 3)), ErrFreed)
	_, err = acc.H()
	assert.ErrorIs(t, err, ErrFreed)
	_, err = acc.DeadColumns()
	assert.ErrorIs(t, err, ErrFreed)
}

func TestAccumulator_DeadColumns(t *testing.T) {
	t.Run("NoBatches", func(t *testing.T) {
		acc := NewAccumulator(4)
		h, err := acc.H()
		require.NoError(t, err)
		assert.Equal(t, make([]float64, 16), h.RawData())

		dead, err := acc.DeadColumns()
		require.NoError(t, err)
		assert.Equal(t, []uint32{0, 1, 2, 3}, dead.ToArray())
	})

	t.Run("ZeroFeature", func(t *testing.T) {
		x, _ := matrix.FromRows([][]float64{{1, 0, 2}, {3, 0, -1}})
		acc := NewAccumulator(3)
		require.NoError(t, acc.AddBatch(x))

		dead, err := acc.DeadColumns()
		require.NoError(t, err)
		assert.Equal(t, []uint32{1}, dead.ToArray())

		h, _ := acc.H()
		for j := 0; j < 3; j++ {
			assert.Equal(t, 0.0, h.At(1, j))
			assert.Equal(t, 0.0, h.At(j, 1))
		}
	})

	t.Run("EmptyBatchIgnored", func(t *testing.T) {
		acc := NewAccumulator(2)
		require.NoError(t, acc.AddBatch(matrix.New(0, 2)))
		assert.Equal(t, 0, acc.Samples())
	})
}

func TestAccumulator_Concurrent(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	batches := make([]*matrix.Dense, 16)
	for i := range batches {
		batches[i] = randomBatch(rng, 8, 6)
	}

	seq := NewAccumulator(6)
	for _, b := range batches {
		require.NoError(t, seq.AddBatch(b))
	}
	want, _ := seq.H()

	acc := NewAccumulator(6)
	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(b *matrix.Dense) {
			defer wg.Done()
			assert.NoError(t, acc.AddBatch(b))
		}(b)
	}
	wg.Wait()

	got, _ := acc.H()
	assert.Equal(t, 128, acc.Samples())
	assert.Less(t, matrix.MaxAbsDiff(want, got), 1e-10)
}
