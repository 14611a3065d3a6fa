package gptq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/gptq/engine"
	"github.com/hupe1980/gptq/hessian"
	"github.com/hupe1980/gptq/layer"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/packing"
	"github.com/hupe1980/gptq/persistence"
)

// DefaultBits is the bit depth used when no engine.WithBits option is given.
const DefaultBits = 4

// Quantizer quantizes the weight of one layer. Calibration batches are
// added with AddBatch; Quantize then runs the engine against the
// accumulated curvature estimate.
//
// AddBatch and Quantize may be called from different goroutines.
type Quantizer struct {
	geom    layer.Geometry
	acc     *hessian.Accumulator
	opts    options
	metrics MetricsCollector
	logger  *Logger

	mu    sync.Mutex
	freed bool
}

// Output is the result of a successful Quantize.
type Output struct {
	*engine.Result

	Name string
	// Packed is the serialized form of the quantized weight.
	Packed *packing.Layer
	// Restored is the dequantized weight in the layer's native layout,
	// nil when WithoutRestored is set.
	Restored *matrix.Dense
	Samples  int

	config engine.Config
}

// Metadata returns the artifact metadata describing this output.
func (o *Output) Metadata() persistence.Metadata {
	return persistence.Metadata{
		Name:         o.Name,
		Loss:         o.Loss,
		Damping:      o.config.DampingFraction,
		Symmetric:    o.config.Symmetric,
		ActOrder:     o.config.ActOrder,
		StaticGroups: o.config.StaticGroups,
		CreatedAt:    time.Now().UTC(),
	}
}

// New creates a Quantizer for geom.
func New(geom layer.Geometry, optFns ...Option) (*Quantizer, error) {
	if geom == nil {
		return nil, fmt.Errorf("%w: nil geometry", ErrConfiguration)
	}
	o := applyOptions(optFns)

	logger := o.logger.With("kind", geom.Kind().String())
	if o.name != "" {
		logger = logger.With("layer", o.name)
	}

	return &Quantizer{
		geom:    geom,
		acc:     hessian.NewAccumulator(geom.Columns()),
		opts:    o,
		metrics: o.metricsCollector,
		logger:  &Logger{Logger: logger},
	}, nil
}

// Name returns the layer name set with WithName.
func (q *Quantizer) Name() string { return q.opts.name }

// Geometry returns the wrapped layer geometry.
func (q *Quantizer) Geometry() layer.Geometry { return q.geom }

// Samples returns the number of calibration samples seen so far.
func (q *Quantizer) Samples() int { return q.acc.Samples() }

// AddBatch unfolds a batch of layer inputs and adds it to the curvature
// estimate.
func (q *Quantizer) AddBatch(t layer.Tensor) error {
	if err := q.checkFreed(); err != nil {
		return err
	}
	x, samples, err := q.geom.Unfold(t)
	if err != nil {
		err = translateError(err)
		q.metrics.RecordBatch(0, 0, err)
		return err
	}
	return q.add(x, samples)
}

// AddMatrix adds an already flattened samples × columns batch.
func (q *Quantizer) AddMatrix(x *matrix.Dense) error {
	if err := q.checkFreed(); err != nil {
		return err
	}
	return q.add(x, x.Rows())
}

// AddOuter adds a precomputed Σ xᵢ·xᵢᵀ (columns × columns) over the given
// number of samples, e.g. statistics gathered by another process.
func (q *Quantizer) AddOuter(sum *matrix.Dense, samples int) error {
	if err := q.checkFreed(); err != nil {
		return err
	}
	start := time.Now()
	err := translateError(q.acc.AddOuter(sum, samples))
	q.metrics.RecordBatch(samples, time.Since(start), err)
	q.logger.LogBatch(context.Background(), samples, q.acc.Samples(), err)
	return err
}

func (q *Quantizer) add(x *matrix.Dense, samples int) error {
	start := time.Now()
	err := translateError(q.acc.AddSamples(x, samples))
	q.metrics.RecordBatch(samples, time.Since(start), err)
	q.logger.LogBatch(context.Background(), samples, q.acc.Samples(), err)
	return err
}

// Config returns the engine configuration Quantize would use with the given
// per-call options.
func (q *Quantizer) Config(engineOpts ...engine.Option) engine.Config {
	cfg := engine.DefaultConfig(DefaultBits).Apply(q.opts.engineOptions...).Apply(engineOpts...)
	if cfg.Logger == nil {
		cfg.Logger = q.logger.Logger
	}
	return cfg
}

// Quantize runs the engine on the layer weight. The accumulated estimate is
// kept, so Quantize may be called again with different options.
func (q *Quantizer) Quantize(ctx context.Context, engineOpts ...engine.Option) (*Output, error) {
	if err := q.checkFreed(); err != nil {
		return nil, err
	}

	cfg := q.Config(engineOpts...)
	w := q.geom.Weight()
	rows, cols := w.Dims()
	logger := q.logger.WithBits(cfg.Bits)

	out, err := q.quantize(ctx, w, cfg)
	if err != nil {
		q.metrics.RecordQuantize(0, 0, err)
		logger.LogQuantize(ctx, rows, cols, 0, 0, err)
		return nil, err
	}
	q.metrics.RecordQuantize(out.Duration, out.Loss, nil)
	logger.LogQuantize(ctx, rows, cols, out.Loss, out.Duration, nil)
	return out, nil
}

func (q *Quantizer) quantize(ctx context.Context, w *matrix.Dense, cfg engine.Config) (*Output, error) {
	h, err := q.acc.H()
	if err != nil {
		return nil, translateError(err)
	}
	samples := q.acc.Samples()

	res, err := engine.Run(ctx, w, h, cfg)
	if err != nil {
		return nil, translateError(err)
	}
	if samples == 0 {
		wn := engine.Warning{
			Kind:    engine.WarningNoSamples,
			Message: "no calibration samples were added",
		}
		res.Warnings = append(res.Warnings, wn)
		q.logger.WarnContext(ctx, wn.Message, "kind", wn.Kind.String())
	}

	packed, err := packing.Pack(res.Quantized())
	if err == nil && q.opts.bias != nil {
		if len(q.opts.bias) != packed.Rows {
			err = fmt.Errorf("%w: bias has %d entries, want %d", ErrShape, len(q.opts.bias), packed.Rows)
		} else {
			packed.Bias = append([]float32(nil), q.opts.bias...)
		}
	}
	if err != nil {
		err = translateError(err)
		q.metrics.RecordPack(0, err)
		q.logger.LogPack(ctx, 0, err)
		return nil, err
	}
	q.metrics.RecordPack(packed.SizeBytes(), nil)
	q.logger.LogPack(ctx, packed.SizeBytes(), nil)

	out := &Output{
		Result:  res,
		Name:    q.opts.name,
		Packed:  packed,
		Samples: samples,
		config:  cfg,
	}
	if q.opts.keepRestored {
		out.Restored, err = q.geom.Restore(res.Weight)
		if err != nil {
			return nil, translateError(err)
		}
	}
	return out, nil
}

// Free releases the curvature estimate. The Quantizer cannot be used
// afterwards.
func (q *Quantizer) Free() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.freed = true
	q.acc.Free()
}

func (q *Quantizer) checkFreed() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.freed {
		return ErrFreed
	}
	return nil
}
