// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar slog.LevelVar

// ParseLevel maps debug, info, warn and error to a slog level. Empty means
// info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

// SetLevel changes the level of every logger built by Setup.
func SetLevel(level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	levelVar.Set(l)
	return nil
}

// New builds a text or json logger writing to w.
func New(w io.Writer, format string) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: &levelVar}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return slog.New(h), nil
}

// Setup installs the default logger.
func Setup(w io.Writer, level, format string) (*slog.Logger, error) {
	if err := SetLevel(level); err != nil {
		return nil, err
	}
	l, err := New(w, format)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}
