// Package logging builds the process logger.
//
// Level and sink come from the config file or the environment:
//
//	DESKCHAT_LOG_LEVEL  debug | info | warn | error (default info)
//	DESKCHAT_LOG_FILE   append logs to this file instead of stderr
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	EnvLevel = "DESKCHAT_LOG_LEVEL"
	EnvFile  = "DESKCHAT_LOG_FILE"
)

// Options selects the logger's level and sink. Empty fields fall back to
// the environment.
type Options struct {
	Level string
	File  string

	// Quiet discards output unless a file sink is configured. The TUI sets
	// it so log lines never land on the screen.
	Quiet bool

	// Stderr overrides the default sink; tests use it.
	Stderr io.Writer
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a text logger. The returned close func releases the log file,
// if any, and is always non-nil.
func New(opts Options) (*slog.Logger, func() error) {
	level := opts.Level
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	path := opts.File
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			return slog.New(slog.NewTextHandler(f, handlerOpts)), f.Close
		}
		if !opts.Quiet {
			fmt.Fprintf(stderr, "failed to open log file %s: %v\n", path, err)
		}
	}
	if opts.Quiet {
		return Discard(), func() error { return nil }
	}
	return slog.New(slog.NewTextHandler(stderr, handlerOpts)), func() error { return nil }
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
