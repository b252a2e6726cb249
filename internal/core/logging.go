package core

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// LogConfig configures NewLogger.
type LogConfig struct {
	Level  string
	Format LogFormat
}

func (c LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if c.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToLower(c.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	return lvl, nil
}

// NewLogger builds a slog logger writing to w (stderr when nil). An invalid
// level falls back to info.
func NewLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, _ := cfg.level()
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.Format == LogFormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("component", "recordbridge")
}
