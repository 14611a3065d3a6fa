package testutil

import (
	"math"
	"math/rand"
	"sync"

	"github.com/hupe1980/gptq/layer"
	"github.com/hupe1980/gptq/matrix"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand = rand.New(rand.NewSource(r.seed))
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float64 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// UniformDense returns a rows x cols matrix with values in [minVal, maxVal).
func (r *RNG) UniformDense(rows, cols int, minVal, maxVal float64) *matrix.Dense {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := matrix.New(rows, cols)
	span := maxVal - minVal
	data := m.RawData()
	for i := range data {
		data[i] = minVal + r.rand.Float64()*span
	}
	return m
}

// GaussianDense returns a rows x cols matrix of standard normal values.
func (r *RNG) GaussianDense(rows, cols int) *matrix.Dense {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := matrix.New(rows, cols)
	data := m.RawData()
	for i := range data {
		data[i] = r.rand.NormFloat64()
	}
	return m
}

// OutlierDense returns a Gaussian matrix in which a fraction of entries is
// scaled by magnitude, mimicking the outlier weights that make clip search
// worthwhile.
func (r *RNG) OutlierDense(rows, cols int, fraction, magnitude float64) *matrix.Dense {
	m := r.GaussianDense(rows, cols)

	r.mu.Lock()
	defer r.mu.Unlock()
	data := m.RawData()
	for i := range data {
		if r.rand.Float64() < fraction {
			data[i] *= magnitude
		}
	}
	return m
}

// CorrelatedActivations returns n calibration samples of width cols in which
// each feature leaks rho of its left neighbour, so the curvature matrix has
// off-diagonal mass and error compensation has something to do.
func (r *RNG) CorrelatedActivations(n, cols int, rho float64) *matrix.Dense {
	x := r.GaussianDense(n, cols)
	for i := 0; i < n; i++ {
		row := x.Row(i)
		for c := 1; c < cols; c++ {
			row[c] += rho * row[c-1]
		}
	}
	return x
}

// Tensor returns a float32 tensor of the given shape with standard normal
// values.
func (r *RNG) Tensor(shape ...int) layer.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(r.rand.NormFloat64())
	}
	return layer.Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// Codes returns n random integer codes valid for the bit depth.
func (r *RNG) Codes(n, bits int) []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxq := 1 << bits
	codes := make([]uint8, n)
	for i := range codes {
		codes[i] = uint8(r.rand.Intn(maxq))
	}
	return codes
}

// RelativeError returns ||a-b||_F / ||b||_F, or the absolute norm of a-b
// when b is all zeros.
func RelativeError(a, b *matrix.Dense) float64 {
	ad, bd := a.RawData(), b.RawData()
	var num, den float64
	for i := range ad {
		d := ad[i] - bd[i]
		num += d * d
		den += bd[i] * bd[i]
	}
	if den == 0 {
		return math.Sqrt(num)
	}
	return math.Sqrt(num / den)
}
