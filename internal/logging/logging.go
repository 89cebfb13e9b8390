// Package logging provides the structured logger shared by every
// component of the server. It wraps zerolog the same way the rest of
// the ambient stack expects: a global logger with a chained field
// builder, so call sites read as L.Info().WithField(...).Write().
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin, concurrency-safe wrapper around a zerolog.Logger.
type Logger struct {
	mu   sync.RWMutex
	zlog *zerolog.Logger
}

// Entry accumulates fields for a single log line before it is written.
type Entry struct {
	level  zerolog.Level
	msg    string
	err    error
	fields map[string]any
	logger *Logger
}

// L is the process-wide logger. It writes the console format to stderr
// until SetJSON switches it, so tests and ad-hoc invocations never
// nil-panic.
var L = New(os.Stderr)

// New builds a Logger writing a human-readable console format to w.
func New(w *os.File) *Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		CallerWithSkipFrameCount(3).
		Logger()
	return &Logger{zlog: &zl}
}

// SetJSON switches the logger to line-delimited JSON, appropriate when
// output is collected by journald or another structured log consumer.
func (l *Logger) SetJSON(w *os.File) {
	l.mu.Lock()
	defer l.mu.Unlock()
	zl := zerolog.New(w).With().Timestamp().Logger()
	l.zlog = &zl
}

func (l *Logger) entry(level zerolog.Level) *Entry {
	return &Entry{level: level, fields: make(map[string]any), logger: l}
}

// Info starts an info-level entry.
func (l *Logger) Info() *Entry { return l.entry(zerolog.InfoLevel) }

// Warn starts a warning-level entry.
func (l *Logger) Warn() *Entry { return l.entry(zerolog.WarnLevel) }

// Error starts an error-level entry carrying err.
func (l *Logger) Error(err error) *Entry {
	e := l.entry(zerolog.ErrorLevel)
	e.err = err
	return e
}

// Debug starts a debug-level entry.
func (l *Logger) Debug() *Entry { return l.entry(zerolog.DebugLevel) }

// WithMessage sets the human-readable message.
func (e *Entry) WithMessage(msg string) *Entry {
	e.msg = msg
	return e
}

// WithField attaches a single key/value pair.
func (e *Entry) WithField(key string, value any) *Entry {
	e.fields[key] = value
	return e
}

// WithFields merges a batch of key/value pairs.
func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// Write emits the accumulated entry through the underlying zerolog logger.
func (e *Entry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()

	ev := e.logger.zlog.WithLevel(e.level)
	if e.err != nil {
		ev = ev.Err(e.err)
	}
	for k, v := range e.fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(e.msg)
}
