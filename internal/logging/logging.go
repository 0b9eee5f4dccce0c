// Package logging builds the structured logger tree used across wacore.
//
// A single root logger is configured once at boot; every component gets a
// child with its own "component" field via For, the same shape the rest of
// the codebase (and whatsmeow's own log shim) expects to be handed.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Options controls root logger construction.
type Options struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	Level string
	// Pretty selects a human-readable console writer instead of JSON.
	// Intended for local development; production deployments want JSON.
	Pretty bool
	// FilePath, if non-empty, additionally appends JSON lines to this file.
	FilePath string
}

// NewRoot builds the process-wide root logger from Options.
func NewRoot(opts Options) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stdout)
	}

	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o750); err != nil {
			return zerolog.Logger{}, err
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, f)
	}

	out := io.MultiWriter(writers...)
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, nil
}

// For returns a child logger tagged with the owning component's name. Every
// component in the core (A through L) calls this once at construction and
// keeps the result rather than re-deriving it per call.
func For(root zerolog.Logger, component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}
