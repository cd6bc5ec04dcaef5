package logging

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Logger is a thin producer-side facade bound to one process name and
// logger name, posting Records onto a Queue. Every method is
// non-blocking from the caller's perspective (Queue.Post never
// suspends).
type Logger struct {
	queue   *Queue
	process string
	name    string
}

// NewLogger returns a Logger that posts onto queue, tagging every
// record with process and name.
func NewLogger(queue *Queue, process, name string) *Logger {
	return &Logger{queue: queue, process: process, name: name}
}

func (l *Logger) post(level Level, exception, format string, args ...any) {
	l.queue.Post(&Record{
		Time:      time.Now(),
		Process:   l.process,
		Logger:    l.name,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Exception: exception,
	})
}

func (l *Logger) Debug(format string, args ...any)    { l.post(LevelDebug, "", format, args...) }
func (l *Logger) Info(format string, args ...any)     { l.post(LevelInfo, "", format, args...) }
func (l *Logger) Warn(format string, args ...any)     { l.post(LevelWarn, "", format, args...) }
func (l *Logger) Error(format string, args ...any)    { l.post(LevelError, "", format, args...) }
func (l *Logger) Critical(format string, args ...any) { l.post(LevelCritical, "", format, args...) }

// Exception logs at error level, attaching err's message and the
// current goroutine's stack trace as the traceback field — the Go
// analogue of Python's logger.exception().
func (l *Logger) Exception(err error, format string, args ...any) {
	stack := string(debug.Stack())
	l.post(LevelError, fmt.Sprintf("%v\n%s", err, stack), format, args...)
}
