// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/caesar-terminal/depthbook/internal/config"
)

type Logger = zerolog.Logger

// New returns the root logger writing to stderr.
func New(cfg config.LogConfig) Logger {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns the root logger writing to w. An unknown level falls
// back to info.
func NewWithWriter(cfg config.LogConfig, w io.Writer) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return zerolog.New(w).With().Timestamp().Str("service", "depthbook").Logger()
}
