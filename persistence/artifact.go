package persistence

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/gptq/codec"
	"github.com/hupe1980/gptq/internal/conv"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/packing"
	"github.com/hupe1980/gptq/quantization"
	"github.com/hupe1980/gptq/resource"
	"github.com/x448/float16"
)

// Metadata describes how an artifact was produced.
type Metadata struct {
	Name         string            `json:"name,omitempty" cbor:"name,omitempty"`
	Loss         float64           `json:"loss" cbor:"loss"`
	Damping      float64           `json:"damping,omitempty" cbor:"damping,omitempty"`
	Symmetric    bool              `json:"symmetric,omitempty" cbor:"symmetric,omitempty"`
	ActOrder     bool              `json:"act_order,omitempty" cbor:"act_order,omitempty"`
	StaticGroups bool              `json:"static_groups,omitempty" cbor:"static_groups,omitempty"`
	CreatedAt    time.Time         `json:"created_at" cbor:"created_at"`
	Extra        map[string]string `json:"extra,omitempty" cbor:"extra,omitempty"`
}

// Artifact is a decoded artifact.
type Artifact struct {
	Header   Header
	Metadata Metadata
	Layer    *packing.Layer
}

// ID returns the artifact id.
func (a *Artifact) ID() uuid.UUID { return a.Header.UUID() }

// Verify unpacks and repacks the layer and checks that the packed buffers
// are reproduced exactly.
func (a *Artifact) Verify() error {
	q, err := packing.Unpack(a.Layer)
	if err != nil {
		return err
	}
	repacked, err := packing.Pack(*q)
	if err != nil {
		return err
	}
	if !slices.Equal(repacked.QWeight, a.Layer.QWeight) {
		return fmt.Errorf("%w: qweight differs after repack", packing.ErrShape)
	}
	if !slices.Equal(repacked.QZeros, a.Layer.QZeros) {
		return fmt.Errorf("%w: qzeros differs after repack", packing.ErrShape)
	}
	return nil
}

// Options configures encoding.
type Options struct {
	Compression CompressionType
	Codec       codec.Codec
	ScaleDType  matrix.DType
	ID          uuid.UUID
	Controller  *resource.Controller
}

// Option configures encoding.
type Option func(*Options)

// WithCompression selects the payload compression.
func WithCompression(c CompressionType) Option {
	return func(o *Options) { o.Compression = c }
}

// WithCodec selects the metadata codec. It must be one of the built-in codecs.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithScaleDType stores scales as F32 (default) or F16.
func WithScaleDType(d matrix.DType) Option {
	return func(o *Options) { o.ScaleDType = d }
}

// WithID sets the artifact id instead of generating a random one.
func WithID(id uuid.UUID) Option {
	return func(o *Options) { o.ID = id }
}

// WithController rate-limits Save through the controller's IO budget.
func WithController(rc *resource.Controller) Option {
	return func(o *Options) { o.Controller = rc }
}

func newOptions(opts []Option) Options {
	o := Options{
		Compression: CompressionZSTD,
		Codec:       codec.Default,
		ScaleDType:  matrix.F32,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Encode serializes a packed layer and its metadata.
func Encode(l *packing.Layer, meta Metadata, opts ...Option) ([]byte, error) {
	o := newOptions(opts)

	if err := l.Validate(); err != nil {
		return nil, err
	}
	if o.ScaleDType != matrix.F32 && o.ScaleDType != matrix.F16 {
		return nil, fmt.Errorf("persistence: unsupported scale dtype %s", o.ScaleDType)
	}
	if !o.Compression.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, o.Compression)
	}
	cid, err := codecID(o.Codec.Name())
	if err != nil {
		return nil, err
	}

	metaBytes, err := o.Codec.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("persistence: encode metadata: %w", err)
	}

	raw := encodePayload(l, o.ScaleDType)
	stored, applied, err := compress(raw, o.Compression)
	if err != nil {
		return nil, fmt.Errorf("persistence: compress payload: %w", err)
	}

	sizes, err := conv.Uint32s(l.Rows, l.Columns, l.Groups(), len(metaBytes), len(stored), len(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTooLarge, err)
	}
	bits, err := conv.IntToUint8(l.Bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTooLarge, err)
	}
	groupSize, err := conv.IntToInt32(l.GroupSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTooLarge, err)
	}

	id := o.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	h := Header{
		Magic:       Magic,
		Version:     Version,
		Bits:        bits,
		Compression: applied,
		ScaleDType:  o.ScaleDType,
		Codec:       cid,
		GroupSize:   groupSize,
		Rows:        sizes[0],
		Columns:     sizes[1],
		Groups:      sizes[2],
		MetaLen:     sizes[3],
		PayloadLen:  sizes[4],
		RawLen:      sizes[5],
		Checksum:    Checksum(metaBytes, stored),
		ID:          id,
	}
	if l.Bias != nil {
		h.Flags |= FlagBias
	}

	hb, err := h.MarshalBinary()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, h.Size())
	out = append(out, hb...)
	out = append(out, metaBytes...)
	out = append(out, stored...)
	return out, nil
}

// Decode parses and verifies an artifact.
func Decode(data []byte) (*Artifact, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) < h.Size() {
		return nil, fmt.Errorf("%w: %d of %d bytes", ErrTruncated, len(data), h.Size())
	}

	metaBytes := data[HeaderSize : HeaderSize+int(h.MetaLen)]
	stored := data[HeaderSize+int(h.MetaLen) : h.Size()]
	if err := verifyChecksum(h.Checksum, metaBytes, stored); err != nil {
		return nil, err
	}

	name, err := h.CodecName()
	if err != nil {
		return nil, err
	}
	c, ok := codec.ByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}

	a := &Artifact{Header: *h}
	if err := c.Unmarshal(metaBytes, &a.Metadata); err != nil {
		return nil, fmt.Errorf("persistence: decode metadata: %w", err)
	}

	// The checksum does not cover the header, so its shape fields are checked
	// against the declared raw length before anything is allocated.
	if err := checkPayloadSize(h, int64(h.RawLen)); err != nil {
		return nil, err
	}
	raw, err := decompress(stored, h.Compression, int(h.RawLen))
	if err != nil {
		return nil, err
	}
	if a.Layer, err = decodePayload(raw, h); err != nil {
		return nil, err
	}
	if err := a.Layer.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func encodePayload(l *packing.Layer, scaleDType matrix.DType) []byte {
	n := 4*(len(l.QWeight)+len(l.QZeros)+len(l.GroupIndex)+len(l.Bias)) + scaleDType.Size()*len(l.Scales)
	buf := make([]byte, 0, n)

	for _, w := range l.QWeight {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	for _, z := range l.QZeros {
		buf = binary.LittleEndian.AppendUint32(buf, z)
	}
	for _, s := range l.Scales {
		if scaleDType == matrix.F16 {
			buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(s).Bits())
		} else {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(s))
		}
	}
	for _, g := range l.GroupIndex {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(g))
	}
	for _, b := range l.Bias {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(b))
	}
	return buf
}

// payloadReader walks the payload sections in order.
type payloadReader struct {
	buf []byte
	off int
	err error
}

func (r *payloadReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: payload section of %d bytes at offset %d", ErrTruncated, n, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *payloadReader) uint32s(n int) []uint32 {
	b := r.take(4 * n)
	if b == nil {
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out
}

// payloadSize returns the raw payload length implied by the header.
func payloadSize(h *Header) (int64, error) {
	bits := int(h.Bits)
	if !quantization.IsSupported(bits) {
		return 0, &packing.ErrUnsupportedBitDepth{Bits: bits}
	}
	var scaleSize int64
	switch h.ScaleDType {
	case matrix.F16, matrix.F32:
		scaleSize = int64(h.ScaleDType.Size())
	default:
		return 0, fmt.Errorf("persistence: unsupported scale dtype %s", h.ScaleDType)
	}

	k := int64(packing.ValuesPerWord(bits))
	rows, cols, groups := int64(h.Rows), int64(h.Columns), int64(h.Groups)
	sections := [][2]int64{
		{4 * ((cols + k - 1) / k), rows},   // qweight
		{4 * ((rows + k - 1) / k), groups}, // qzeros
		{scaleSize * groups, rows},         // scales
		{4, cols},                          // g_idx
	}
	if h.Flags.Has(FlagBias) {
		sections = append(sections, [2]int64{4, rows})
	}

	var total int64
	for _, sec := range sections {
		if sec[0] != 0 && sec[1] > (math.MaxInt64-total)/sec[0] {
			return 0, fmt.Errorf("%w: %dx%d with %d groups overflows", ErrCorrupt, rows, cols, groups)
		}
		total += sec[0] * sec[1]
	}
	return total, nil
}

func checkPayloadSize(h *Header, n int64) error {
	want, err := payloadSize(h)
	if err != nil {
		return err
	}
	if want != n {
		return fmt.Errorf("%w: %dx%d with %d groups needs %d payload bytes, got %d", ErrCorrupt, h.Rows, h.Columns, h.Groups, want, n)
	}
	return nil
}

func decodePayload(raw []byte, h *Header) (*packing.Layer, error) {
	if err := checkPayloadSize(h, int64(len(raw))); err != nil {
		return nil, err
	}
	bits := int(h.Bits)
	rows, err := conv.Uint32ToInt(h.Rows)
	if err != nil {
		return nil, err
	}
	cols, err := conv.Uint32ToInt(h.Columns)
	if err != nil {
		return nil, err
	}
	groups, err := conv.Uint32ToInt(h.Groups)
	if err != nil {
		return nil, err
	}

	r := &payloadReader{buf: raw}
	l := &packing.Layer{
		Rows:      rows,
		Columns:   cols,
		Bits:      bits,
		GroupSize: int(h.GroupSize),
	}
	l.QWeight = r.uint32s(packing.PackedLen(cols, bits) * rows)
	l.QZeros = r.uint32s(groups * packing.PackedLen(rows, bits))

	l.Scales = make([]float32, groups*rows)
	switch h.ScaleDType {
	case matrix.F16:
		if b := r.take(2 * len(l.Scales)); b != nil {
			for i := range l.Scales {
				l.Scales[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
			}
		}
	case matrix.F32:
		for i, u := range r.uint32s(len(l.Scales)) {
			l.Scales[i] = math.Float32frombits(u)
		}
	default:
		return nil, fmt.Errorf("persistence: unsupported scale dtype %s", h.ScaleDType)
	}

	gidx := r.uint32s(cols)
	l.GroupIndex = make([]int32, len(gidx))
	for i, g := range gidx {
		l.GroupIndex[i] = int32(g)
	}

	if h.Flags.Has(FlagBias) {
		bias := r.uint32s(rows)
		l.Bias = make([]float32, len(bias))
		for i, b := range bias {
			l.Bias[i] = math.Float32frombits(b)
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing payload bytes", packing.ErrShape, len(raw)-r.off)
	}
	return l, nil
}
