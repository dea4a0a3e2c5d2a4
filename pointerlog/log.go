// Package pointerlog is a thin wrapper over *log.Logger carrying
// pointerchain's "absorbed failure" logging convention (spec §7): a
// user-visible line is emitted, but nothing halts the operation.
package pointerlog

import "log"

// Logger wraps an optional *log.Logger. A nil-backed Logger discards
// everything, matching stephen-fox-brkit/process.Process's opt-in
// SetLogger convention rather than defaulting to a global logger.
type Logger struct {
	l *log.Logger
}

// New wraps l. l may be nil.
func New(l *log.Logger) Logger {
	return Logger{l: l}
}

// Absorbedf logs a non-fatal, already-handled failure.
func (g Logger) Absorbedf(format string, args ...any) {
	if g.l == nil {
		return
	}
	g.l.Printf("absorbed: "+format, args...)
}

// Warnf logs a condition worth surfacing but not yet a failure.
func (g Logger) Warnf(format string, args ...any) {
	if g.l == nil {
		return
	}
	g.l.Printf("warn: "+format, args...)
}
