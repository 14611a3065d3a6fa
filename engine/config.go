package engine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/hupe1980/gptq/matrix"
	"github.com/hupe1980/gptq/quantization"
	"github.com/mitchellh/mapstructure"
)

// Defaults.
const (
	DefaultBlockSize       = 128
	DefaultDampingFraction = 0.01
	// NoGrouping disables per-group parameters.
	NoGrouping = -1
)

// Config controls a single quantization run.
type Config struct {
	Bits            int       `mapstructure:"bits"`
	BlockSize       int       `mapstructure:"block_size"`
	DampingFraction float64   `mapstructure:"damping_fraction"`
	GroupSize       int       `mapstructure:"group_size"`
	ActOrder        bool      `mapstructure:"act_order"`
	StaticGroups    bool      `mapstructure:"static_groups"`
	Symmetric       bool      `mapstructure:"symmetric"`
	SearchMinError  bool      `mapstructure:"search_min_error"`
	OutputWeights   []float64 `mapstructure:"output_weights"`

	// Mask is an optional rows × columns keep-mask; entries equal to 0
	// are forced to 0 in the output.
	Mask *matrix.Dense `mapstructure:"-"`

	Logger *slog.Logger `mapstructure:"-"`
}

// DefaultConfig returns the default configuration for the given bit depth.
func DefaultConfig(bits int) Config {
	return Config{
		Bits:            bits,
		BlockSize:       DefaultBlockSize,
		DampingFraction: DefaultDampingFraction,
		GroupSize:       NoGrouping,
	}
}

// Option mutates a Config.
type Option func(*Config)

// WithBits sets the bit depth.
func WithBits(n int) Option { return func(c *Config) { c.Bits = n } }

// WithBlockSize sets the number of columns swept between global updates.
func WithBlockSize(n int) Option { return func(c *Config) { c.BlockSize = n } }

// WithDamping sets the fraction of mean(diag(H)) added to the diagonal.
func WithDamping(f float64) Option { return func(c *Config) { c.DampingFraction = f } }

// WithGroupSize sets the number of columns sharing quantizer parameters.
func WithGroupSize(n int) Option { return func(c *Config) { c.GroupSize = n } }

// WithActOrder processes columns by descending curvature.
func WithActOrder(on bool) Option { return func(c *Config) { c.ActOrder = on } }

// WithStaticGroups computes all group parameters before the sweep.
func WithStaticGroups(on bool) Option { return func(c *Config) { c.StaticGroups = on } }

// WithSymmetric selects symmetric quantization.
func WithSymmetric(on bool) Option { return func(c *Config) { c.Symmetric = on } }

// WithMinErrorSearch enables the clipping search of the quantizer.
func WithMinErrorSearch(on bool) Option { return func(c *Config) { c.SearchMinError = on } }

// WithOutputWeights scales each row's loss by weights[row]².
func WithOutputWeights(w []float64) Option { return func(c *Config) { c.OutputWeights = w } }

// WithMask sets a keep-mask.
func WithMask(m *matrix.Dense) Option { return func(c *Config) { c.Mask = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option { return func(c *Config) { *c = cfg } }

// Apply returns a copy of c with the options applied.
func (c Config) Apply(optFns ...Option) Config {
	for _, fn := range optFns {
		fn(&c)
	}
	return c
}

// Validate checks the configuration against a rows × cols weight.
func (c Config) Validate(rows, cols int) error {
	if !quantization.IsSupported(c.Bits) {
		return &ConfigError{Field: "bits", Reason: fmt.Sprintf("%d is not supported", c.Bits), cause: &quantization.ErrUnsupportedBitDepth{Bits: c.Bits}}
	}
	return c.validate(rows, cols)
}

func (c Config) validate(rows, cols int) error {
	if c.BlockSize <= 0 {
		return &ConfigError{Field: "block_size", Reason: fmt.Sprintf("must be positive, got %d", c.BlockSize)}
	}
	if c.DampingFraction < 0 {
		return &ConfigError{Field: "damping_fraction", Reason: fmt.Sprintf("must not be negative, got %g", c.DampingFraction)}
	}
	if c.GroupSize == 0 || c.GroupSize < NoGrouping {
		return &ConfigError{Field: "group_size", Reason: fmt.Sprintf("must be positive or %d, got %d", NoGrouping, c.GroupSize)}
	}
	if c.OutputWeights != nil && len(c.OutputWeights) != rows {
		return &ConfigError{Field: "output_weights", Reason: fmt.Sprintf("want %d entries, got %d", rows, len(c.OutputWeights))}
	}
	if c.Mask != nil {
		if r, cc := c.Mask.Dims(); r != rows || cc != cols {
			return &ConfigError{Field: "mask", Reason: fmt.Sprintf("want %dx%d, got %dx%d", rows, cols, r, cc)}
		}
	}
	return nil
}

// Groups returns the number of parameter groups for cols columns.
func (c Config) Groups(cols int) int {
	if c.GroupSize <= 0 || cols == 0 {
		return 1
	}
	return (cols + c.GroupSize - 1) / c.GroupSize
}

func (c Config) staticGroups() bool {
	return c.GroupSize > 0 && (c.ActOrder || c.StaticGroups)
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return discardLogger
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
	Level: slog.Level(1000), // Unreachable level
}))

func (c Config) quantizerOptions() []quantization.Option {
	opts := []quantization.Option{
		quantization.WithPerChannel(true),
		quantization.WithSymmetric(c.Symmetric),
	}
	if c.SearchMinError {
		opts = append(opts, quantization.WithMinError())
	}
	return opts
}

// ConfigFromMap decodes a configuration from a generic map, e.g. a job
// description read from JSON. Unset keys keep their defaults.
func ConfigFromMap(m map[string]any) (Config, error) {
	cfg := DefaultConfig(0)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(m); err != nil {
		return Config{}, &ConfigError{Field: "map", Reason: err.Error(), cause: err}
	}
	return cfg, nil
}
