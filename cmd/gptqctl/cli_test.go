package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/gptq/blobstore"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/persistence"
	"github.com/hupe1980/gptq/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeDense(t *testing.T, path string, m *matrix.Dense, dtype matrix.DType) {
	t.Helper()
	data, err := matrix.Encode(m, dtype)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

type fixture struct {
	dir, store, weight, acts string
	w                        *matrix.Dense
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	rng := testutil.NewRNG(21)

	f := fixture{
		dir:    dir,
		store:  filepath.Join(dir, "store"),
		weight: filepath.Join(dir, "w.f32"),
		acts:   filepath.Join(dir, "x.f16"),
		w:      rng.GaussianDense(8, 16),
	}
	writeDense(t, f.weight, f.w, matrix.F32)
	writeDense(t, f.acts, rng.CorrelatedActivations(64, 16, 0.3), matrix.F16)
	return f
}

func (f fixture) quantize(t *testing.T, name string, extra ...string) string {
	t.Helper()
	args := append([]string{
		"quantize", name,
		"--store", f.store,
		"--weight", f.weight, "--rows", "8", "--cols", "16",
		"--acts", f.acts, "--acts-dtype", "f16",
	}, extra...)
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestCLI_Workflow(t *testing.T) {
	f := newFixture(t)

	out := f.quantize(t, "layers/fc", "--group-size", "8", "--compression", "lz4", "--codec", "cbor")
	assert.Contains(t, out, "layers/fc")

	out, err := run(t, "list", "--store", f.store)
	require.NoError(t, err)
	assert.Contains(t, out, "layers/fc")
	assert.Contains(t, out, "8x16")

	out, err = run(t, "inspect", "layers/fc", "--store", f.store)
	require.NoError(t, err)
	assert.Contains(t, out, "layers/fc")
	assert.Contains(t, out, "cbor")

	out, err = run(t, "verify", "layers/fc", "--store", f.store)
	require.NoError(t, err)
	assert.Contains(t, out, "OK   layers/fc")

	deq := filepath.Join(f.dir, "out", "fc.f32")
	_, err = run(t, "dequantize", "layers/fc", "--store", f.store, "--out", deq)
	require.NoError(t, err)

	data, err := os.ReadFile(deq)
	require.NoError(t, err)
	got, err := matrix.Decode(data, matrix.F32, 8, 16)
	require.NoError(t, err)
	assert.Less(t, testutil.RelativeError(got, f.w), 0.3)

	h, err := persistence.Stat(context.Background(), blobstore.NewLocalStore(f.store), "layers/fc")
	require.NoError(t, err)
	assert.Equal(t, uint8(4), h.Bits)
	assert.Equal(t, int32(8), h.GroupSize)
}

func TestCLI_ConfigFile(t *testing.T) {
	f := newFixture(t)
	job := filepath.Join(f.dir, "job.json")
	require.NoError(t, os.WriteFile(job, []byte(`{"bits": 8, "act_order": true, "group_size": 4}`), 0o644))

	f.quantize(t, "a", "--config", job)
	f.quantize(t, "b", "--config", job, "--bits", "2", "--scale-dtype", "f16")

	store := blobstore.NewLocalStore(f.store)
	ctx := context.Background()

	art, err := persistence.Load(ctx, store, "a")
	require.NoError(t, err)
	assert.Equal(t, 8, art.Layer.Bits)
	assert.Equal(t, 4, art.Layer.GroupSize)
	assert.True(t, art.Metadata.ActOrder)

	art, err = persistence.Load(ctx, store, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, art.Layer.Bits)
	assert.Equal(t, matrix.F16, art.Header.ScaleDType)
}

func TestCLI_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := run(t, "quantize", "x", "--store", f.store)
	assert.Error(t, err)

	_, err = run(t, "quantize", "x", "--store", f.store, "--weight", f.weight, "--rows", "8", "--cols", "16", "--bits", "3")
	assert.Error(t, err)

	_, err = run(t, "quantize", "x", "--store", f.store, "--weight", f.weight, "--rows", "8", "--cols", "16", "--codec", "xml")
	assert.Error(t, err)

	_, err = run(t, "quantize", "x", "--store", f.store, "--weight", f.weight, "--rows", "8", "--cols", "16",
		"--acts", f.weight, "--acts-dtype", "f32")
	require.NoError(t, err)

	out, err := run(t, "verify", "x", "missing", "--store", f.store)
	assert.Error(t, err)
	assert.Contains(t, out, "OK   x")
	assert.Contains(t, out, "FAIL missing")

	_, err = run(t, "dequantize", "x", "--store", f.store)
	assert.Error(t, err)

	_, err = run(t, "list", "--store", "minio://")
	assert.Error(t, err)
}
