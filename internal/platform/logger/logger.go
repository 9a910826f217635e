// Package logger builds the service-wide zerolog logger.
package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level       string // debug | info | warn | error; empty means info
	Environment string // "development" enables console output
	ServiceName string
	Version     string
}

// Logger embeds a zerolog.Logger so call sites use the chained field API directly.
type Logger struct {
	zerolog.Logger
}

// New creates a configured logger writing JSON to stdout, or pretty console
// output in development.
func New(cfg Config) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var lw zerolog.Logger
	if cfg.Environment == "development" {
		lw = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		lw = zerolog.New(os.Stdout)
	}

	lw = lw.Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()

	return &Logger{Logger: lw}
}

// Nop returns a logger that discards everything; used by tests.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}
