package packing

import (
	"fmt"
	"math"

	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/quantization"
)

// Quantized is the unpacked form of a quantized weight.
type Quantized struct {
	Rows, Columns int
	Bits          int
	GroupSize     int
	// Codes is Rows × Columns, row-major.
	Codes []uint8
	// Scale and Zero are groups × Rows, row-major.
	Scale []float64
	Zero  []float64
	// GroupIndex has one entry per column.
	GroupIndex []int32
}

// Groups returns the number of parameter groups.
func (q *Quantized) Groups() int {
	return groupCount(q.Rows, q.Columns, q.GroupSize, len(q.Scale))
}

// Layer is the packed form of a quantized weight.
type Layer struct {
	Rows, Columns int
	Bits          int
	GroupSize     int
	QWeight       []uint32
	QZeros        []uint32
	Scales        []float32
	GroupIndex    []int32
	// Bias is optional; when set it has Rows entries.
	Bias []float32
}

// ValuesPerWord returns how many b-bit values fit in a 32-bit word.
func ValuesPerWord(bits int) int { return 32 / bits }

// PackedLen returns the number of words needed for n values.
func PackedLen(n, bits int) int {
	k := ValuesPerWord(bits)
	return (n + k - 1) / k
}

// Groups returns the number of parameter groups.
func (l *Layer) Groups() int {
	return groupCount(l.Rows, l.Columns, l.GroupSize, len(l.Scales))
}

// groupCount derives the group count from the scales. Without rows there are
// no scales, so it falls back to the grouping of the columns.
func groupCount(rows, cols, groupSize, scales int) int {
	if rows > 0 {
		return scales / rows
	}
	if groupSize > 0 {
		return (cols + groupSize - 1) / groupSize
	}
	return 1
}

// SizeBytes returns the size of the packed buffers.
func (l *Layer) SizeBytes() int64 {
	return int64(len(l.QWeight))*4 + int64(len(l.QZeros))*4 + int64(len(l.Scales))*4 +
		int64(len(l.GroupIndex))*4 + int64(len(l.Bias))*4
}

// Validate checks buffer lengths against the declared shape.
func (l *Layer) Validate() error {
	if !quantization.IsSupported(l.Bits) {
		return &ErrUnsupportedBitDepth{Bits: l.Bits}
	}
	if l.Rows < 0 || l.Columns < 0 {
		return fmt.Errorf("%w: negative shape %dx%d", ErrShape, l.Rows, l.Columns)
	}
	if l.Rows > 0 && len(l.Scales)%l.Rows != 0 {
		return fmt.Errorf("%w: %d scales for %d rows", ErrShape, len(l.Scales), l.Rows)
	}
	groups := l.Groups()
	checks := []struct {
		name      string
		got, want int
	}{
		{"qweight", len(l.QWeight), PackedLen(l.Columns, l.Bits) * l.Rows},
		{"qzeros", len(l.QZeros), groups * PackedLen(l.Rows, l.Bits)},
		{"g_idx", len(l.GroupIndex), l.Columns},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("%w: %s has %d entries, want %d", ErrShape, c.name, c.got, c.want)
		}
	}
	if l.Bias != nil && len(l.Bias) != l.Rows {
		return fmt.Errorf("%w: bias has %d entries, want %d", ErrShape, len(l.Bias), l.Rows)
	}
	for i, g := range l.GroupIndex {
		if g < 0 || int(g) >= groups {
			return &ErrValueOutOfRange{Field: "g_idx", Index: i, Value: float64(g)}
		}
	}
	return nil
}

func (q *Quantized) validate() error {
	if !quantization.IsSupported(q.Bits) {
		return &ErrUnsupportedBitDepth{Bits: q.Bits}
	}
	if q.Rows < 0 || q.Columns < 0 {
		return fmt.Errorf("%w: negative shape %dx%d", ErrShape, q.Rows, q.Columns)
	}
	if len(q.Codes) != q.Rows*q.Columns {
		return fmt.Errorf("%w: %d codes for %dx%d", ErrShape, len(q.Codes), q.Rows, q.Columns)
	}
	if len(q.GroupIndex) != q.Columns {
		return fmt.Errorf("%w: %d group indices for %d columns", ErrShape, len(q.GroupIndex), q.Columns)
	}
	if len(q.Zero) != len(q.Scale) || (q.Rows > 0 && len(q.Scale)%q.Rows != 0) {
		return fmt.Errorf("%w: %d scales, %d zeros for %d rows", ErrShape, len(q.Scale), len(q.Zero), q.Rows)
	}

	maxq := quantization.MaxQ(q.Bits)
	for i, c := range q.Codes {
		if int(c) > maxq {
			return &ErrValueOutOfRange{Field: "codes", Index: i, Value: float64(c)}
		}
	}
	for i, z := range q.Zero {
		if z != math.Trunc(z) || z < 1 || z > float64(maxq+1) {
			return &ErrValueOutOfRange{Field: "zero", Index: i, Value: z}
		}
	}
	groups := q.Groups()
	for i, g := range q.GroupIndex {
		if g < 0 || int(g) >= groups {
			return &ErrValueOutOfRange{Field: "g_idx", Index: i, Value: float64(g)}
		}
	}
	return nil
}

// Pack converts q into the packed layout.
func Pack(q Quantized) (*Layer, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}

	bits := q.Bits
	k := ValuesPerWord(bits)
	rows, cols := q.Rows, q.Columns
	groups := q.Groups()

	l := &Layer{
		Rows:       rows,
		Columns:    cols,
		Bits:       bits,
		GroupSize:  q.GroupSize,
		QWeight:    make([]uint32, PackedLen(cols, bits)*rows),
		QZeros:     make([]uint32, groups*PackedLen(rows, bits)),
		Scales:     make([]float32, len(q.Scale)),
		GroupIndex: append([]int32(nil), q.GroupIndex...),
	}

	for o := 0; o < rows; o++ {
		codes := q.Codes[o*cols : (o+1)*cols]
		for i, c := range codes {
			l.QWeight[(i/k)*rows+o] |= uint32(c) << (bits * (i % k))
		}
	}

	zw := PackedLen(rows, bits)
	for g := 0; g < groups; g++ {
		for o := 0; o < rows; o++ {
			z := uint32(q.Zero[g*rows+o]) - 1
			l.QZeros[g*zw+o/k] |= z << (bits * (o % k))
		}
	}

	for i, s := range q.Scale {
		l.Scales[i] = float32(s)
	}
	return l, nil
}

// Unpack restores the codes, zero-points, scales and group indices of l.
func Unpack(l *Layer) (*Quantized, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	bits := l.Bits
	k := ValuesPerWord(bits)
	mask := uint32(quantization.MaxQ(bits))
	rows, cols := l.Rows, l.Columns
	groups := l.Groups()

	q := &Quantized{
		Rows:       rows,
		Columns:    cols,
		Bits:       bits,
		GroupSize:  l.GroupSize,
		Codes:      make([]uint8, rows*cols),
		Scale:      make([]float64, len(l.Scales)),
		Zero:       make([]float64, groups*rows),
		GroupIndex: append([]int32(nil), l.GroupIndex...),
	}

	for o := 0; o < rows; o++ {
		codes := q.Codes[o*cols : (o+1)*cols]
		for i := range codes {
			codes[i] = uint8((l.QWeight[(i/k)*rows+o] >> (bits * (i % k))) & mask)
		}
	}

	zw := PackedLen(rows, bits)
	for g := 0; g < groups; g++ {
		for o := 0; o < rows; o++ {
			z := (l.QZeros[g*zw+o/k] >> (bits * (o % k))) & mask
			q.Zero[g*rows+o] = float64(z + 1)
		}
	}

	for i, s := range l.Scales {
		q.Scale[i] = float64(s)
	}
	return q, nil
}

// Dequantize reconstructs the real-valued Rows × Columns weight:
// w[o, i] = scale[g, o] · (code[o, i] - zero[g, o]) with g = GroupIndex[i].
func Dequantize(l *Layer) (*matrix.Dense, error) {
	q, err := Unpack(l)
	if err != nil {
		return nil, err
	}
	return q.Dequantize(), nil
}

// Dequantize reconstructs the real-valued weight from unpacked data.
func (q *Quantized) Dequantize() *matrix.Dense {
	rows, cols := q.Rows, q.Columns
	w := matrix.New(rows, cols)
	for o := 0; o < rows; o++ {
		dst := w.Row(o)
		codes := q.Codes[o*cols : (o+1)*cols]
		for i, c := range codes {
			g := int(q.GroupIndex[i])*rows + o
			dst[i] = q.Scale[g] * (float64(c) - q.Zero[g])
		}
	}
	return w
}

// CodesFromWeight re-derives integer codes from a reconstructed weight:
// code = clamp(round(w/scale + zero), 0, 2^b-1). scale and zero are
// groups × rows.
func CodesFromWeight(w, scale, zero *matrix.Dense, gidx []int32, bits int) ([]uint8, error) {
	if !quantization.IsSupported(bits) {
		return nil, &ErrUnsupportedBitDepth{Bits: bits}
	}
	rows, cols := w.Dims()
	if len(gidx) != cols || scale.Cols() != rows || zero.Cols() != rows || scale.Rows() != zero.Rows() {
		return nil, fmt.Errorf("%w: weight %dx%d, scale %dx%d, zero %dx%d, %d group indices",
			ErrShape, rows, cols, scale.Rows(), scale.Cols(), zero.Rows(), zero.Cols(), len(gidx))
	}

	maxq := float64(quantization.MaxQ(bits))
	codes := make([]uint8, rows*cols)
	for o := 0; o < rows; o++ {
		for i, v := range w.Row(o) {
			g := int(gidx[i])
			if g < 0 || g >= scale.Rows() {
				return nil, &ErrValueOutOfRange{Field: "g_idx", Index: i, Value: float64(g)}
			}
			s, z := scale.At(g, o), zero.At(g, o)
			c := math.RoundToEven(v/s + z)
			codes[o*cols+i] = uint8(math.Min(math.Max(c, 0), maxq))
		}
	}
	return codes, nil
}
