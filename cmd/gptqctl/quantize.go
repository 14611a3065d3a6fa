package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/hupe1980/gptq"
	"github.com/hupe1980/gptq/codec"
	"github.com/hupe1980/gptq/diagnostics"
	"github.com/hupe1980/gptq/engine"
	"github.com/hupe1980/gptq/inference"
	"github.com/hupe1980/gptq/layer"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/persistence"
	"github.com/spf13/cobra"
)

func newQuantizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quantize NAME",
		Short: "Quantize a raw weight buffer and save it as an artifact",
		Long: `Quantize reads a rows×cols little-endian weight buffer and optional
calibration activations (samples×in, same dtype rules), runs the engine and
saves the packed layer to the store under NAME.

Engine settings can be read from a JSON or CBOR job file with --config;
flags that are set explicitly override the file.`,
		Args: cobra.ExactArgs(1),
		RunE: QuantizeHandler,
	}

	cmd.Flags().String("weight", "", "Weight buffer")
	cmd.Flags().Int("rows", 0, "Weight rows as stored")
	cmd.Flags().Int("cols", 0, "Weight columns as stored")
	cmd.Flags().String("weight-dtype", "f32", "Weight dtype (f32, f16, bf16)")
	cmd.Flags().Bool("transposed", false, "Weight is stored in×out")
	cmd.Flags().String("acts", "", "Calibration activations buffer")
	cmd.Flags().String("acts-dtype", "f32", "Activations dtype (f32, f16, bf16)")
	cmd.Flags().String("config", "", "Engine job file (.json or .cbor)")

	cmd.Flags().Int("bits", 4, "Bit depth (2, 4 or 8)")
	cmd.Flags().Int("group-size", engine.NoGrouping, "Columns per parameter group (-1 for none)")
	cmd.Flags().Int("block-size", engine.DefaultBlockSize, "Columns per sweep block")
	cmd.Flags().Float64("damping", engine.DefaultDampingFraction, "Damping fraction of mean(diag(H))")
	cmd.Flags().Bool("act-order", false, "Process columns by descending curvature")
	cmd.Flags().Bool("static-groups", false, "Compute group parameters before the sweep")
	cmd.Flags().Bool("sym", false, "Symmetric quantization")
	cmd.Flags().Bool("min-error", false, "Search clipping ranges that minimize error")
	cmd.Flags().Float64("retry-damping", 0, "Retry once with damping multiplied by this factor on instability")

	cmd.Flags().String("codec", codec.Default.Name(), "Metadata codec")
	cmd.Flags().String("compression", "zstd", "Payload compression (none, lz4, zstd)")
	cmd.Flags().String("scale-dtype", "f32", "Stored scale dtype (f32, f16)")
	return cmd
}

func QuantizeHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	store, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	cfg, err := engineConfig(cmd)
	if err != nil {
		return err
	}
	saveOpts, err := saveOptions(cmd)
	if err != nil {
		return err
	}

	geom, err := readGeometry(cmd)
	if err != nil {
		return err
	}
	x, err := readActivations(cmd, geom.Columns())
	if err != nil {
		return err
	}

	logger := gptq.NewTextLogger(logLevel(cmd))
	q, err := gptq.New(geom,
		gptq.WithName(name),
		gptq.WithLogger(logger),
		gptq.WithEngineOptions(engine.WithConfig(cfg)),
	)
	if err != nil {
		return err
	}
	defer q.Free()

	if x != nil {
		if err := q.AddMatrix(x); err != nil {
			return err
		}
	}

	opts := []gptq.Option{
		gptq.WithLogger(logger),
		gptq.WithStore(store, "", saveOpts...),
	}
	if f, _ := cmd.Flags().GetFloat64("retry-damping"); f > 0 {
		opts = append(opts, gptq.WithDampingRetry(f))
	}

	results, err := gptq.QuantizeAll(ctx, []gptq.Job{{Name: name, Quantizer: q}}, opts...)
	if err != nil {
		return err
	}
	r := results[0]
	if r.Skipped {
		return fmt.Errorf("%s skipped: %w", name, r.Err)
	}

	stats, err := layerStats(ctx, geom, x, r)
	if err != nil {
		return err
	}
	return diagnostics.RenderStats(cmd.OutOrStdout(), []diagnostics.Stats{stats})
}

func layerStats(ctx context.Context, geom layer.Geometry, x *matrix.Dense, r gptq.JobResult) (diagnostics.Stats, error) {
	out := r.Output
	ref := geom.Weight()
	rows, cols := ref.Dims()

	wsnr, err := diagnostics.SNR(out.Weight, ref)
	if err != nil {
		return diagnostics.Stats{}, err
	}

	osnr := math.NaN()
	if x != nil {
		ev, err := inference.NewLinear(out.Packed)
		if err != nil {
			return diagnostics.Stats{}, err
		}
		pred, err := ev.Forward(ctx, x)
		if err != nil {
			return diagnostics.Stats{}, err
		}
		want, err := matrix.MulTransB(x, ref)
		if err != nil {
			return diagnostics.Stats{}, err
		}
		if osnr, err = diagnostics.SNR(pred, want); err != nil {
			return diagnostics.Stats{}, err
		}
	}

	return diagnostics.Stats{
		Name:      r.Name,
		Bits:      out.Bits,
		Rows:      rows,
		Columns:   cols,
		Error:     out.Loss,
		WeightSNR: wsnr,
		OutputSNR: osnr,
		Duration:  out.Duration,
	}, nil
}

// engineConfig merges the job file with explicitly set flags.
func engineConfig(cmd *cobra.Command) (engine.Config, error) {
	cfg := engine.DefaultConfig(0)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		c := codec.Default
		if filepath.Ext(path) == ".cbor" {
			c = codec.CBOR{}
		}
		var m map[string]any
		if err := c.Unmarshal(data, &m); err != nil {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
		if cfg, err = engine.ConfigFromMap(m); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if cfg.Bits == 0 || flags.Changed("bits") {
		cfg.Bits, _ = flags.GetInt("bits")
	}
	if flags.Changed("group-size") {
		cfg.GroupSize, _ = flags.GetInt("group-size")
	}
	if flags.Changed("block-size") {
		cfg.BlockSize, _ = flags.GetInt("block-size")
	}
	if flags.Changed("damping") {
		cfg.DampingFraction, _ = flags.GetFloat64("damping")
	}
	if flags.Changed("act-order") {
		cfg.ActOrder, _ = flags.GetBool("act-order")
	}
	if flags.Changed("static-groups") {
		cfg.StaticGroups, _ = flags.GetBool("static-groups")
	}
	if flags.Changed("sym") {
		cfg.Symmetric, _ = flags.GetBool("sym")
	}
	if flags.Changed("min-error") {
		cfg.SearchMinError, _ = flags.GetBool("min-error")
	}
	return cfg, nil
}

func saveOptions(cmd *cobra.Command) ([]persistence.Option, error) {
	codecName, _ := cmd.Flags().GetString("codec")
	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, fmt.Errorf("unknown codec %q (want one of %v)", codecName, codec.Names())
	}
	compName, _ := cmd.Flags().GetString("compression")
	comp, err := persistence.ParseCompression(compName)
	if err != nil {
		return nil, err
	}
	dtypeName, _ := cmd.Flags().GetString("scale-dtype")
	dtype, err := matrix.ParseDType(dtypeName)
	if err != nil {
		return nil, err
	}
	return []persistence.Option{
		persistence.WithCodec(c),
		persistence.WithCompression(comp),
		persistence.WithScaleDType(dtype),
	}, nil
}

func readGeometry(cmd *cobra.Command) (layer.Geometry, error) {
	path, _ := cmd.Flags().GetString("weight")
	if path == "" {
		return nil, errors.New("--weight is required")
	}
	rows, _ := cmd.Flags().GetInt("rows")
	cols, _ := cmd.Flags().GetInt("cols")
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("--rows and --cols must be positive, got %d and %d", rows, cols)
	}
	dtypeName, _ := cmd.Flags().GetString("weight-dtype")
	dtype, err := matrix.ParseDType(dtypeName)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := matrix.Decode(data, dtype, rows, cols)
	if err != nil {
		return nil, err
	}
	if t, _ := cmd.Flags().GetBool("transposed"); t {
		return layer.NewTransposedLinear(w), nil
	}
	return layer.NewLinear(w), nil
}

func readActivations(cmd *cobra.Command, cols int) (*matrix.Dense, error) {
	path, _ := cmd.Flags().GetString("acts")
	if path == "" {
		return nil, nil
	}
	dtypeName, _ := cmd.Flags().GetString("acts-dtype")
	dtype, err := matrix.ParseDType(dtypeName)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rowBytes := cols * dtype.Size()
	if rowBytes == 0 || len(data)%rowBytes != 0 {
		return nil, fmt.Errorf("%s: %d bytes is not a whole number of %d-wide %s rows", path, len(data), cols, dtype)
	}
	return matrix.Decode(data, dtype, len(data)/rowBytes, cols)
}
