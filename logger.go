package gptq

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with quantization-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithLayer adds a layer name field to the logger.
func (l *Logger) WithLayer(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("layer", name),
	}
}

// WithBits adds a bit depth field to the logger.
func (l *Logger) WithBits(bits int) *Logger {
	return &Logger{
		Logger: l.Logger.With("bits", bits),
	}
}

// LogBatch logs a calibration batch.
func (l *Logger) LogBatch(ctx context.Context, samples, total int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add batch failed",
			"samples", samples,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "batch added",
			"samples", samples,
			"total_samples", total,
		)
	}
}

// LogQuantize logs a quantization run.
func (l *Logger) LogQuantize(ctx context.Context, rows, cols int, loss float64, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "quantize failed",
			"rows", rows,
			"columns", cols,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "quantize completed",
			"rows", rows,
			"columns", cols,
			"loss", loss,
			"duration", duration,
		)
	}
}

// LogPack logs packing of a quantized weight.
func (l *Logger) LogPack(ctx context.Context, sizeBytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "pack failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "pack completed",
			"size_bytes", sizeBytes,
		)
	}
}

// LogSave logs persisting an artifact.
func (l *Logger) LogSave(ctx context.Context, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "save failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "artifact saved",
			"name", name,
		)
	}
}

// LogSkip logs a job that fell back to full precision.
func (l *Logger) LogSkip(ctx context.Context, name string, err error) {
	l.WarnContext(ctx, "layer skipped, keeping full precision",
		"layer", name,
		"error", err,
	)
}
