package diagnostics

import (
	"bytes"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/gptq/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_TopK(t *testing.T) {
	o := NewObserver(3)
	assert.Equal(t, 3, o.Capacity())

	for i, e := range []float64{5, 1, 3, 4, 0.5, 10, 2} {
		o.Submit(fmt.Sprintf("layer.%d", i), i, e)
	}

	rep := o.Report()
	require.Len(t, rep, 3)
	assert.Equal(t, []float64{10, 5, 4}, []float64{rep[0].Error, rep[1].Error, rep[2].Error})
	assert.Equal(t, "layer.5", rep[0].Name)
	assert.Equal(t, 3, rep[2].LayerID)
}

func TestObserver_MatchesFullSort(t *testing.T) {
	o := NewObserver(DefaultTopK)
	errs := make([]float64, 200)
	for i := range errs {
		errs[i] = math.Mod(float64(i)*37.5, 101)
		o.Submit("l", i, errs[i])
	}

	rep := o.Report()
	require.Len(t, rep, DefaultTopK)
	for i := 1; i < len(rep); i++ {
		assert.GreaterOrEqual(t, rep[i-1].Error, rep[i].Error)
	}

	// every retained error is at least as large as every dropped one
	threshold := rep[len(rep)-1].Error
	above := 0
	for _, e := range errs {
		if e > threshold {
			above++
		}
	}
	assert.LessOrEqual(t, above, DefaultTopK)
}

func TestObserver_Concurrent(t *testing.T) {
	o := NewObserver(0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o.Submit("l", i, float64(i))
		}(i)
	}
	wg.Wait()

	rep := o.Report()
	require.Len(t, rep, DefaultTopK)
	assert.Equal(t, 99.0, rep[0].Error)
	assert.Equal(t, float64(100-DefaultTopK), rep[DefaultTopK-1].Error)

	o.Reset()
	assert.Equal(t, 0, o.Len())
}

func TestObserver_Render(t *testing.T) {
	o := NewObserver(2)
	o.Submit("model.layers.0.q_proj", 0, 1.5)
	o.Submit("model.layers.1.k_proj", 1, 2.5)

	var buf bytes.Buffer
	require.NoError(t, o.Render(&buf))
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "model.layers.1.k_proj")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("k_proj")), bytes.Index(buf.Bytes(), []byte("q_proj")))
}

func TestSNR(t *testing.T) {
	ref, _ := matrix.FromRows([][]float64{{1, 0}, {0, 2}, {0, 0}})
	pred, _ := matrix.FromRows([][]float64{{1, 1}, {0, 2}, {5, 5}})

	snr, err := SNR(pred, ref)
	require.NoError(t, err)
	// row 0: 1/1, row 1: 0/4, row 2 skipped
	assert.InDelta(t, 0.5, snr, 1e-15)

	snr, err = SNR(ref, ref)
	require.NoError(t, err)
	assert.Equal(t, 0.0, snr)

	_, err = SNR(matrix.New(1, 1), ref)
	assert.Error(t, err)
}

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderStats(&buf, []Stats{
		{Name: "fc1", LayerID: 0, Bits: 4, Rows: 8, Columns: 16, Error: 0.25, WeightSNR: 0.01, OutputSNR: math.NaN(), Duration: 1500 * time.Microsecond},
		{Name: "fc2", LayerID: 1, Bits: 2, Rows: 16, Columns: 8, Error: 1.5, WeightSNR: 0.1, OutputSNR: 0.2},
	}))
	out := buf.String()
	assert.Contains(t, out, "fc1")
	assert.Contains(t, out, "8x16")
	assert.Contains(t, out, "2ms")
	assert.Contains(t, out, "0.2")
}
