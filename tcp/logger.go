package tcp

import (
	"context"
	"log/slog"

	"github.com/northlake-systems/pebbletcp/internal"
)

// logger is embedded in the TCP state machine types to give them structured
// logging with no setup required: the zero value silently discards
// everything except heap-alloc tracing when built with the debugheaplog tag.
type logger struct {
	log *slog.Logger
}

func (l *logger) logenabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (l.log != nil && l.log.Handler().Enabled(context.Background(), lvl))
}

func (l *logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) debug(msg string, attrs ...slog.Attr) { l.logattrs(slog.LevelDebug, msg, attrs...) }

func (l *logger) trace(msg string, attrs ...slog.Attr) { l.logattrs(internal.LevelTrace, msg, attrs...) }

func (l *logger) info(msg string, attrs ...slog.Attr) { l.logattrs(slog.LevelInfo, msg, attrs...) }

func (l *logger) logerr(msg string, attrs ...slog.Attr) { l.logattrs(slog.LevelError, msg, attrs...) }
