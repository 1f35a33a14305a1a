// Package logger builds the process-wide zerolog logger. Components derive
// their own sub-loggers with log.With().Str("component", ...).
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level   string // debug, info, warn, error
	Pretty  bool   // console writer instead of JSON
	Service string // embedded in every line
}

// New creates a structured logger and installs it as the zerolog global.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	l := zerolog.New(output).With().Timestamp().Str("service", cfg.Service).Logger()
	log.Logger = l
	return l
}
