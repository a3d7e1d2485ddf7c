// Package logging builds the structured loggers used by the meter logger.
//
// There is no global logger. main creates one root logger and hands a
// per-device child to every component of that device:
//
//	root := logging.New(os.Stdout, slog.LevelInfo, false)
//	log := logging.Device(root, "hall-1")
//	log.Info("poll finished", "registers", 4)
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// New returns a text or JSON logger writing to w.
func New(w io.Writer, level slog.Level, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
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
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Component returns a logger tagged with a component name.
func Component(parent *slog.Logger, name string) *slog.Logger {
	return parent.With("component", name)
}

// Device returns a logger tagged with a device name.
func Device(parent *slog.Logger, name string) *slog.Logger {
	return parent.With("device", name)
}
