package corehttp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Logger is a small leveled wrapper over log/slog, shaped after gorox's
// own hemi_logger.go: a destination plus a level, with printf-style
// convenience methods that still end up as structured slog records. No
// third-party structured-logging library appears anywhere in the corpus
// this core is grounded on, so log/slog (also used directly by several
// other_examples/ HTTP/2 servers) is used rather than inventing a
// dependency the corpus never reaches for.
type Logger struct {
	base *slog.Logger
}

// NewLogger builds a Logger writing text-formatted records to w at or
// above level.
func NewLogger(w io.Writer, level slog.Level) *Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{base: slog.New(h)}
}

// NewDiscardLogger returns a Logger that drops everything; useful as a
// zero-value-safe default when the embedder supplies no logger.
func NewDiscardLogger() *Logger {
	return &Logger{base: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a Logger that tags every subsequent record with args,
// mirroring gorox's connID/streamID-tagged log lines.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return NewDiscardLogger().With(args...)
	}
	return &Logger{base: l.base.With(args...)}
}

// Debugf is additionally gated by the package-level debug level set via
// SetDebugLevel, independent of whatever level this particular Logger
// was constructed with: an embedder can flip debug logging on or off
// everywhere without threading a level through every Logger it holds.
func (l *Logger) Debugf(format string, args ...any) {
	if DebugLevel() <= 0 {
		return
	}
	l.logf(slog.LevelDebug, format, args...)
}
func (l *Logger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }

func (l *Logger) logf(level slog.Level, format string, args ...any) {
	if l == nil || l.base == nil {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.base.Log(context.Background(), level, msg)
}
