package persistence

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/hupe1980/gptq/blobstore"
	"github.com/hupe1980/gptq/codec"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/packing"
	"github.com/hupe1980/gptq/quantization"
	"github.com/hupe1980/gptq/resource"
	"github.com/hupe1980/gptq/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomLayer(t *testing.T, rng *testutil.RNG, rows, cols, bits, groupSize int, bias bool) *packing.Layer {
	t.Helper()

	groups := 1
	if groupSize > 0 {
		groups = (cols + groupSize - 1) / groupSize
	}
	maxq := quantization.MaxQ(bits)

	q := packing.Quantized{
		Rows:       rows,
		Columns:    cols,
		Bits:       bits,
		GroupSize:  groupSize,
		Codes:      rng.Codes(rows*cols, bits),
		Scale:      make([]float64, groups*rows),
		Zero:       make([]float64, groups*rows),
		GroupIndex: make([]int32, cols),
	}
	for i := range q.Scale {
		q.Scale[i] = 0.001 + rng.Float64()
		q.Zero[i] = float64(1 + rng.Intn(maxq))
	}
	for j := range q.GroupIndex {
		if groupSize > 0 {
			q.GroupIndex[j] = int32(j / groupSize)
		}
	}

	l, err := packing.Pack(q)
	require.NoError(t, err)
	if bias {
		l.Bias = make([]float32, rows)
		for i := range l.Bias {
			l.Bias[i] = float32(rng.Float64() - 0.5)
		}
	}
	return l
}

func TestHeaderLayout(t *testing.T) {
	assert.Equal(t, HeaderSize, binary.Size(Header{}))

	h := Header{Magic: Magic, Version: Version, Bits: 4, Compression: CompressionLZ4, Codec: 2, GroupSize: -1, Rows: 3}
	data, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, HeaderSize)
	assert.Equal(t, "GPTQ", string(data[:4]))

	got, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h, *got)

	name, err := got.CodecName()
	require.NoError(t, err)
	assert.Equal(t, "cbor", name)
}

func TestEncodeDecode(t *testing.T) {
	rng := testutil.NewRNG(42)
	meta := Metadata{
		Name:      "model.layers.0.mlp.up_proj",
		Loss:      1.25,
		Damping:   0.01,
		ActOrder:  true,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Extra:     map[string]string{"calibration": "c4"},
	}

	for _, bits := range quantization.SupportedBits {
		for _, comp := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
			for _, name := range codec.Names() {
				c, _ := codec.ByName(name)
				l := randomLayer(t, rng, 13, 70, bits, 16, true)
				id := uuid.New()

				data, err := Encode(l, meta, WithCompression(comp), WithCodec(c), WithID(id))
				require.NoError(t, err)

				a, err := Decode(data)
				require.NoError(t, err, "bits=%d comp=%s codec=%s", bits, comp, name)

				assert.Empty(t, cmp.Diff(l, a.Layer), "bits=%d comp=%s codec=%s", bits, comp, name)
				assert.Empty(t, cmp.Diff(meta, a.Metadata))
				assert.Equal(t, id, a.ID())
				assert.True(t, a.Header.Flags.Has(FlagBias))
				assert.Equal(t, uint32(5), a.Header.Groups)
				assert.Equal(t, int64(len(data)), a.Header.Size())
				require.NoError(t, a.Verify())
			}
		}
	}
}

func TestEncodeDecode_SingleGroupNoBias(t *testing.T) {
	l := randomLayer(t, testutil.NewRNG(1), 4, 9, 2, -1, false)

	data, err := Encode(l, Metadata{})
	require.NoError(t, err)
	a, err := Decode(data)
	require.NoError(t, err)

	assert.Nil(t, a.Layer.Bias)
	assert.Equal(t, int32(-1), a.Header.GroupSize)
	assert.Empty(t, cmp.Diff(l, a.Layer))
	assert.NotEqual(t, uuid.Nil, a.ID())
}

func TestEncode_F16Scales(t *testing.T) {
	l := randomLayer(t, testutil.NewRNG(3), 8, 32, 4, 8, false)

	data, err := Encode(l, Metadata{}, WithScaleDType(matrix.F16), WithCompression(CompressionNone))
	require.NoError(t, err)
	a, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, matrix.F16, a.Header.ScaleDType)
	assert.Equal(t, l.QWeight, a.Layer.QWeight)
	assert.Equal(t, l.QZeros, a.Layer.QZeros)
	for i, s := range l.Scales {
		assert.InEpsilon(t, s, a.Layer.Scales[i], 1e-3)
	}

	_, err = Encode(l, Metadata{}, WithScaleDType(matrix.BF16))
	assert.Error(t, err)
}

func TestDecode_Errors(t *testing.T) {
	l := randomLayer(t, testutil.NewRNG(4), 6, 40, 8, 8, true)
	data, err := Encode(l, Metadata{Name: "x"}, WithCompression(CompressionNone))
	require.NoError(t, err)

	t.Run("Truncated", func(t *testing.T) {
		_, err := Decode(data[:len(data)-1])
		assert.ErrorIs(t, err, ErrTruncated)

		_, err = Decode(data[:10])
		assert.ErrorIs(t, err, ErrTruncated)
	})

	t.Run("Magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] = 'X'
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("Version", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		binary.LittleEndian.PutUint16(bad[4:], Version+1)
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("Checksum", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[len(bad)-1] ^= 0xff
		_, err := Decode(bad)
		assert.True(t, IsChecksumMismatch(err))
	})

	t.Run("Codec", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[9] = 200
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrUnknownCodec)
	})

	t.Run("HeaderShape", func(t *testing.T) {
		for name, edit := range map[string]func(*Header){
			"Rows":     func(h *Header) { h.Rows = 1 << 30 },
			"Groups":   func(h *Header) { h.Groups++ },
			"Bias":     func(h *Header) { h.Flags = 0 },
			"Overflow": func(h *Header) { h.Rows, h.Columns, h.Groups = math.MaxUint32, math.MaxUint32, math.MaxUint32 },
		} {
			t.Run(name, func(t *testing.T) {
				h, err := DecodeHeader(data)
				require.NoError(t, err)
				edit(h)
				hdr, err := h.MarshalBinary()
				require.NoError(t, err)

				_, err = Decode(append(hdr, data[HeaderSize:]...))
				assert.ErrorIs(t, err, ErrCorrupt)
			})
		}
	})
}

func TestEncode_InvalidLayer(t *testing.T) {
	l := randomLayer(t, testutil.NewRNG(5), 4, 8, 4, -1, false)
	l.QWeight = l.QWeight[:1]
	_, err := Encode(l, Metadata{})
	assert.ErrorIs(t, err, packing.ErrShape)
}

func TestCompression_FallsBackWhenIncompressible(t *testing.T) {
	rng := testutil.NewRNG(6)
	raw := make([]byte, 4096)
	for i := range raw {
		raw[i] = byte(rng.Intn(256))
	}

	for _, typ := range []CompressionType{CompressionLZ4, CompressionZSTD} {
		stored, applied, err := compress(raw, typ)
		require.NoError(t, err)
		assert.Equal(t, CompressionNone, applied)
		assert.Equal(t, raw, stored)
	}

	zeros := make([]byte, 4096)
	for _, typ := range []CompressionType{CompressionLZ4, CompressionZSTD} {
		stored, applied, err := compress(zeros, typ)
		require.NoError(t, err)
		assert.Equal(t, typ, applied)
		assert.Less(t, len(stored), len(zeros))

		back, err := decompress(stored, applied, len(zeros))
		require.NoError(t, err)
		assert.Equal(t, zeros, back)
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("brotli")
	assert.ErrorIs(t, err, ErrUnknownCompression)
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	l := randomLayer(t, testutil.NewRNG(7), 16, 64, 4, 32, true)
	meta := Metadata{Name: "q_proj", Loss: 0.5}

	stores := map[string]blobstore.BlobStore{
		"memory": blobstore.NewMemoryStore(),
		"local":  blobstore.NewLocalStore(t.TempDir()),
	}
	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: 1 << 20})

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			h, err := Save(ctx, store, "layers/0/q_proj.gptq", l, meta, WithController(rc))
			require.NoError(t, err)
			assert.Equal(t, uint8(4), h.Bits)

			st, err := Stat(ctx, store, "layers/0/q_proj.gptq")
			require.NoError(t, err)
			assert.Equal(t, *h, *st)

			a, err := Load(ctx, store, "layers/0/q_proj.gptq")
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(l, a.Layer))
			assert.Equal(t, "q_proj", a.Metadata.Name)

			_, err = Load(ctx, store, "missing.gptq")
			assert.ErrorIs(t, err, blobstore.ErrNotFound)
		})
	}
}

func TestStat_Truncated(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "short", []byte("GPTQ")))

	_, err := Stat(ctx, store, "short")
	assert.ErrorIs(t, err, ErrTruncated)
}
