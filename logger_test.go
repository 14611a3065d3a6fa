package gptq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		rec := map[string]any{}
		require.NoError(t, dec.Decode(&rec))
		out = append(out, rec)
	}
	return out
}

func TestLogger(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})).
		WithLayer("attn.q").
		WithBits(4)

	l.LogBatch(ctx, 8, 16, nil)
	l.LogQuantize(ctx, 4, 8, 0.5, time.Millisecond, nil)
	l.LogPack(ctx, 0, errors.New("bad code"))
	l.LogSave(ctx, "model/attn.q", nil)
	l.LogSkip(ctx, "attn.q", ErrNumericalInstability)

	recs := decodeRecords(t, &buf)
	require.Len(t, recs, 5)

	for _, r := range recs {
		assert.Equal(t, "attn.q", r["layer"])
		assert.Equal(t, 4.0, r["bits"])
	}
	assert.Equal(t, "DEBUG", recs[0]["level"])
	assert.Equal(t, 16.0, recs[0]["total_samples"])
	assert.Equal(t, "INFO", recs[1]["level"])
	assert.Equal(t, 0.5, recs[1]["loss"])
	assert.Equal(t, "ERROR", recs[2]["level"])
	assert.Equal(t, "bad code", recs[2]["error"])
	assert.Equal(t, "model/attn.q", recs[3]["name"])
	assert.Equal(t, "WARN", recs[4]["level"])
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
	assert.NotNil(t, NewLogger(nil))
}

func TestBasicMetricsCollector(t *testing.T) {
	m := &BasicMetricsCollector{}
	m.RecordBatch(4, time.Millisecond, nil)
	m.RecordBatch(4, time.Millisecond, errors.New("x"))
	m.RecordQuantize(2*time.Millisecond, 1.5, nil)
	m.RecordQuantize(4*time.Millisecond, 0, errors.New("x"))
	m.RecordPack(128, nil)
	m.RecordSave(256, time.Millisecond, nil)
	m.RecordSave(0, time.Millisecond, errors.New("x"))

	assert.Equal(t, BasicMetricsStats{
		BatchCount:       2,
		BatchSamples:     4,
		BatchErrors:      1,
		QuantizeCount:    2,
		QuantizeErrors:   1,
		QuantizeAvgNanos: (3 * time.Millisecond).Nanoseconds(),
		PackCount:        1,
		PackedBytes:      128,
		SaveCount:        2,
		SaveErrors:       1,
		SavedBytes:       256,
	}, m.GetStats())

	var _ MetricsCollector = NoopMetricsCollector{}
	var _ MetricsCollector = m
}
