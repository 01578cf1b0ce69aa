// Package dcblog provides the store's structured logging, following
// cuemby-warren's pkg/log: a configurable global zerolog.Logger with
// per-component child loggers.
package dcblog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the store cares about.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how the global logger is constructed.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the package-level logger every component derives from.
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	Level(zerolog.InfoLevel).With().Timestamp().Logger()

// Init (re)configures the global Logger. Safe to call once at store
// construction; components that captured a child logger before Init runs
// keep logging at whatever level was in effect at capture time, so callers
// should Init before opening a Store.
func Init(cfg Config) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case InfoLevel, "":
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
}

// For returns a child logger tagged with the given component and store
// name, e.g. dcblog.For("append", "orders").
func For(component, storeName string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("store", storeName).Logger()
}
