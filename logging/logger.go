// Package logging builds the relay's structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options controls logger construction.
type Options struct {
	Level  string    // debug, info, warn, error (default info)
	Format string    // text or json (default text)
	Output io.Writer // default os.Stdout
}

// Logger wraps slog.Logger with a level that can be switched to debug at runtime.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	base  slog.Level
}

// New returns a logger for opts.
func New(opts Options) *Logger {
	base := ParseLevel(opts.Level)
	level := new(slog.LevelVar)
	level.Set(base)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, handlerOpts)
	default:
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		base:   base,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	level := new(slog.LevelVar)
	return &Logger{Logger: slog.New(slog.DiscardHandler), level: level, base: slog.LevelInfo}
}

// SetDebug lowers the level to debug, or restores the configured level.
func (l *Logger) SetDebug(enabled bool) {
	if enabled {
		l.level.Set(slog.LevelDebug)
		return
	}
	l.level.Set(l.base)
}

// DebugEnabled reports whether debug records are currently emitted.
func (l *Logger) DebugEnabled() bool {
	return l.level.Level() <= slog.LevelDebug
}

// ParseLevel maps a level name to slog, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
