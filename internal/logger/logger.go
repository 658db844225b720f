package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates a new logger writing to stderr
func New(debug bool) zerolog.Logger {
	return NewWithWriter(debug, os.Stderr)
}

// NewWithWriter creates a console logger writing to w. Debug records are
// only emitted when debug is set.
func NewWithWriter(debug bool, w io.Writer) zerolog.Logger {
	out := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    w != os.Stderr && w != os.Stdout,
	}
	return build(debug, out)
}

// NewJSON creates a logger emitting one JSON object per line, for log
// shippers.
func NewJSON(debug bool, w io.Writer) zerolog.Logger {
	return build(debug, w)
}

func build(debug bool, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).
		With().Timestamp().Logger().
		Level(level)
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
