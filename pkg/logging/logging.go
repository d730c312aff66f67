// Package logging builds the colored slog handler used by the daemon and as
// the default logger of a node.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options configure New.
type Options struct {
	// Writer defaults to os.Stderr.
	Writer io.Writer
	Level  slog.Level
	// AddSource adds file:line to every record.
	AddSource bool
	NoColor   bool
}

// New returns a tint-backed logger.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		AddSource:  opts.AddSource,
		NoColor:    opts.NoColor,
	})
	return slog.New(handler)
}

// Default is New with info level on stderr.
func Default() *slog.Logger {
	return New(Options{Level: slog.LevelInfo})
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
