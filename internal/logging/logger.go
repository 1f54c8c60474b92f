// Package logging configures the zerolog loggers used across the tracer.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config contains logger configuration.
type Config struct {
	// Level sets the logging level (debug, info, warn, error).
	Level string
	// Pretty enables human-readable console output.
	Pretty bool
	// Output sets the output writer (defaults to os.Stderr, stdout carries events).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Pretty: true,
		Output: os.Stderr,
	}
}

// New creates a new zerolog logger with the given configuration.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05.000",
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewWithComponent creates a logger with a component field.
func NewWithComponent(cfg Config, component string) zerolog.Logger {
	return New(cfg).With().Str("component", component).Logger()
}

// Sampled wraps a logger used on event paths. At most burst messages are
// written per period, the rest are dropped, so a flood of per-event
// failures cannot turn into a flood of log lines.
func Sampled(l zerolog.Logger, burst uint32, period time.Duration) zerolog.Logger {
	return l.Sample(&zerolog.BurstSampler{
		Burst:  burst,
		Period: period,
	})
}

// HotPath returns the sampled logger used by producers and decoders.
func HotPath(l zerolog.Logger) zerolog.Logger {
	return Sampled(l, 10, time.Second)
}
