package gptq

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/hupe1980/gptq/engine"
	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/persistence"
	"github.com/hupe1980/gptq/resource"
	"golang.org/x/sync/errgroup"
)

// Job is one layer of a QuantizeAll run.
type Job struct {
	// Name identifies the layer; it defaults to the Quantizer's name.
	Name          string
	Quantizer     *Quantizer
	EngineOptions []engine.Option
}

// JobResult is the outcome of one Job.
type JobResult struct {
	Name   string
	Output *Output
	// Retried is set when the layer needed a second attempt with larger
	// damping.
	Retried bool
	// Skipped is set when the layer could not be quantized. Fallback then
	// holds the full-precision weight in native layout and Err the cause.
	Skipped  bool
	Fallback *matrix.Dense
	Err      error
	// Artifact is the blob name the layer was saved under, empty without
	// WithStore.
	Artifact string
	Header   *persistence.Header
}

// QuantizeAll quantizes every job with bounded parallelism. Results are in
// job order. Any error other than a numerical instability handled by
// WithDampingRetry aborts the run and no results are returned.
func QuantizeAll(ctx context.Context, jobs []Job, optFns ...Option) ([]JobResult, error) {
	o := applyOptions(optFns)
	for i, j := range jobs {
		if j.Quantizer == nil {
			return nil, fmt.Errorf("%w: job %d has no quantizer", ErrConfiguration, i)
		}
	}

	limit := o.parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	results := make([]JobResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range jobs {
		g.Go(func() error {
			r, err := runJob(gctx, i, jobs[i], o)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	skipped := 0
	for _, r := range results {
		if r.Skipped {
			skipped++
		}
	}
	if skipped > 0 {
		o.logger.WarnContext(ctx, "quantize all completed with skipped layers",
			"layers", len(jobs),
			"skipped", skipped,
			"duration", time.Since(start),
		)
	} else {
		o.logger.InfoContext(ctx, "quantize all completed",
			"layers", len(jobs),
			"duration", time.Since(start),
		)
	}
	return results, nil
}

func runJob(ctx context.Context, id int, job Job, o options) (JobResult, error) {
	q := job.Quantizer
	name := job.Name
	if name == "" {
		name = q.Name()
	}
	if name == "" {
		name = fmt.Sprintf("layer.%d", id)
	}
	res := JobResult{Name: name}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	rc := o.controller
	if err := rc.AcquireWorker(ctx); err != nil {
		return res, err
	}
	defer rc.ReleaseWorker()

	rows, cols := q.Geometry().Weight().Dims()
	mem := resource.EstimateJobBytes(rows, cols)
	if err := rc.AcquireMemory(ctx, mem); err != nil {
		return res, fmt.Errorf("gptq: reserve memory for %s: %w", name, err)
	}
	defer rc.ReleaseMemory(mem)

	out, err := q.Quantize(ctx, job.EngineOptions...)
	if errors.Is(err, ErrNumericalInstability) && o.retryFactor > 0 {
		damping := q.Config(job.EngineOptions...).DampingFraction * o.retryFactor
		if damping == 0 {
			damping = engine.DefaultDampingFraction
		}
		o.logger.WarnContext(ctx, "numerical instability, retrying with larger damping",
			"layer", name,
			"damping", damping,
			"error", err,
		)
		res.Retried = true
		retryOpts := append(append([]engine.Option(nil), job.EngineOptions...), engine.WithDamping(damping))
		out, err = q.Quantize(ctx, retryOpts...)
		if errors.Is(err, ErrNumericalInstability) {
			o.logger.LogSkip(ctx, name, err)
			geom := q.Geometry()
			res.Skipped = true
			res.Err = err
			res.Fallback, err = geom.Restore(geom.Weight())
			return res, translateError(err)
		}
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}
	if out.Name == "" {
		out.Name = name
	}
	res.Output = out

	if o.observer != nil {
		o.observer.Submit(name, id, out.Loss)
	}

	if o.store != nil {
		artifact := o.storePrefix + name
		saveOpts := append(append([]persistence.Option(nil), o.saveOptions...), persistence.WithController(rc))
		start := time.Now()
		h, err := persistence.Save(ctx, o.store, artifact, out.Packed, out.Metadata(), saveOpts...)
		var size int64
		if h != nil {
			size = h.Size()
		}
		o.metricsCollector.RecordSave(size, time.Since(start), err)
		o.logger.LogSave(ctx, artifact, err)
		if err != nil {
			return res, err
		}
		res.Artifact = artifact
		res.Header = h
	}
	return res, nil
}
