package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Sink is the single background consumer of a Queue: it formats every
// record to a human-readable console stream and, optionally, a
// size-rotated JSON-per-line file.
type Sink struct {
	console zerolog.Logger
	file    *zerolog.Logger
}

// NewSink builds a Sink. filePath may be empty, in which case only the
// console writer is attached (matching the original's logfile=None).
func NewSink(filePath string) *Sink {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	console := zerolog.New(consoleWriter).With().Timestamp().Logger()

	s := &Sink{console: console}

	if filePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    10, // megabytes, matching the original's 10MB RotatingFileHandler
			MaxBackups: 5,
			Compress:   false,
		}
		fileLogger := zerolog.New(io.Writer(rotator)).With().Timestamp().Logger()
		s.file = &fileLogger
	}

	return s
}

// Run drains ch until the nil termination sentinel arrives. Any failure
// while formatting or writing a single record is caught, printed to
// stderr, and does not stop the loop.
func (s *Sink) Run(ch <-chan *Record) {
	for rec := range ch {
		if rec == nil {
			return
		}
		s.writeSafely(rec)
	}
}

func (s *Sink) writeSafely(rec *Record) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "logging: sink panic writing record: %v\n", r)
		}
	}()

	ev := s.console.WithLevel(zerologLevel(rec.Level)).
		Str("process", rec.Process).
		Str("logger", rec.Logger)
	if rec.Exception != "" {
		ev = ev.Str("exception", rec.Exception)
	}
	ev.Msg(rec.Message)

	if s.file != nil {
		fev := s.file.WithLevel(zerologLevel(rec.Level)).
			Time("timestamp", rec.Time).
			Str("process", rec.Process).
			Str("logger", rec.Logger)
		if rec.Exception != "" {
			fev = fev.Str("exception", rec.Exception)
		}
		fev.Msg(rec.Message)
	}
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelCritical:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
