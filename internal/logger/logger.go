// Package logger builds the process-wide zerolog logger. Output fans out
// to the console and an optional append-only file, and redaction is
// applied before anything reaches a sink so secrets never hit disk.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the configured zerolog instance and the file sink, if any.
type Logger struct {
	zl   zerolog.Logger
	file *os.File
}

// Config selects sinks and verbosity.
type Config struct {
	Level     string // zerolog level name; unknown values fall back to info
	File      string // append-only log file, created along with its directory
	Console   bool   // write to stdout
	Pretty    bool   // human-readable console format instead of JSON
	Redaction bool   // scrub API keys and credentials from all sinks
}

// DefaultConfig is what the CLI uses when the config has no logging
// section: pretty console output, redaction on, no file sink.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Console:   true,
		Pretty:    true,
		Redaction: true,
	}
}

// New builds a Logger and installs it as zerolog's global logger so that
// package-level log calls share the same sinks.
func New(cfg Config) (*Logger, error) {
	sink, file, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Redaction {
		sink = NewRedactor().Wrap(sink)
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zl := zerolog.New(sink).Level(level).With().Timestamp().Logger()
	log.Logger = zl

	return &Logger{zl: zl, file: file}, nil
}

// buildSink assembles the writer stack. With no sinks configured it falls
// back to plain stdout rather than swallowing output.
func buildSink(cfg Config) (io.Writer, *os.File, error) {
	var sinks []io.Writer

	if cfg.Console {
		if cfg.Pretty {
			sinks = append(sinks, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			})
		} else {
			sinks = append(sinks, os.Stdout)
		}
	}

	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		sinks = append(sinks, f)
	}

	switch len(sinks) {
	case 0:
		return os.Stdout, nil, nil
	case 1:
		return sinks[0], file, nil
	default:
		return io.MultiWriter(sinks...), file, nil
	}
}

// Close releases the file sink. zerolog writes synchronously, so there is
// nothing to flush.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// GetZerolog returns the configured zerolog.Logger.
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.zl
}
