package gptq

import (
	"github.com/hupe1980/gptq/blobstore"
	"github.com/hupe1980/gptq/diagnostics"
	"github.com/hupe1980/gptq/engine"
	"github.com/hupe1980/gptq/persistence"
	"github.com/hupe1980/gptq/resource"
)

// DefaultDampingRetryFactor multiplies the damping fraction on the retry
// after a numerical instability.
const DefaultDampingRetryFactor = 10.0

type options struct {
	name             string
	bias             []float32
	engineOptions    []engine.Option
	metricsCollector MetricsCollector
	logger           *Logger

	parallelism  int
	controller   *resource.Controller
	observer     *diagnostics.Observer
	retryFactor  float64
	store        blobstore.BlobStore
	storePrefix  string
	saveOptions  []persistence.Option
	keepRestored bool
}

func defaultOptions() options {
	return options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		keepRestored:     true,
	}
}

func applyOptions(optFns []Option) options {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}

// Option configures a Quantizer or a QuantizeAll run.
type Option func(*options)

// WithName labels the layer in logs, diagnostics and artifact metadata.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithBias attaches a bias vector (one entry per output row) to the packed layer.
func WithBias(bias []float32) Option {
	return func(o *options) {
		o.bias = bias
	}
}

// WithEngineOptions sets default engine options. Options passed to
// Quantize are applied after these.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(o *options) {
		o.engineOptions = append(o.engineOptions, opts...)
	}
}

// WithMetricsCollector configures a metrics collector.
//
// If nil is passed, NoopMetricsCollector is used.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging.
//
// If nil is passed, NoopLogger is used.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithParallelism bounds the number of layers QuantizeAll processes at once.
// Values <= 0 mean GOMAXPROCS.
func WithParallelism(n int) Option {
	return func(o *options) {
		o.parallelism = n
	}
}

// WithResourceController bounds memory, workers and artifact IO of a
// QuantizeAll run.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithObserver submits the loss of every quantized layer to obs.
func WithObserver(obs *diagnostics.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithDampingRetry retries a layer once with its damping fraction
// multiplied by factor after a numerical instability. Layers that fail the
// retry are reported as skipped and keep their full-precision weights.
// Values <= 1 select DefaultDampingRetryFactor.
func WithDampingRetry(factor float64) Option {
	return func(o *options) {
		if factor <= 1 {
			factor = DefaultDampingRetryFactor
		}
		o.retryFactor = factor
	}
}

// WithStore persists every packed layer to store under prefix+name.
func WithStore(store blobstore.BlobStore, prefix string, opts ...persistence.Option) Option {
	return func(o *options) {
		o.store = store
		o.storePrefix = prefix
		o.saveOptions = opts
	}
}

// WithoutRestored drops the restored full-precision weight from outputs to
// save memory.
func WithoutRestored() Option {
	return func(o *options) {
		o.keepRestored = false
	}
}
