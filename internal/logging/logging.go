// Package logging configures the zerolog logger shared by every binary.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects verbosity and output shape.
type Config struct {
	Level   string // debug|info|warn|error|fatal
	Format  string // json|pretty
	Service string
}

// New builds a zerolog.Logger with a timestamp, caller info, and a
// "service" field identifying the binary in aggregated logs.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	service := cfg.Service
	if service == "" {
		service = "marketdata"
	}

	return zerolog.New(out).With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}
