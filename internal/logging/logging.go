// Package logging provides the leveled key/value logger used across relaydocs.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is a leveled logger taking alternating key/value pairs.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "json" or "console". Defaults to json.
	Format string
	// File enables size-rotated file output in addition to Writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Writer     io.Writer
}

type zerologLogger struct {
	zl zerolog.Logger
}

// New builds a zerolog-backed Logger. The returned closer releases the
// rotated log file, if any.
func New(opts Options) (Logger, io.Closer) {
	var writers []io.Writer
	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(strings.TrimSpace(opts.Format), "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	writers = append(writers, out)

	var closer io.Closer = nopCloser{}
	if file := strings.TrimSpace(opts.File); file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    positiveOr(opts.MaxSizeMB, 50),
			MaxBackups: positiveOr(opts.MaxBackups, 5),
			MaxAge:     positiveOr(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		writers = append(writers, rotated)
		closer = rotated
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}
	zl := zerolog.New(w).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
	return &zerologLogger{zl: zl}, closer
}

// NewWriter logs JSON lines at debug level to w. Used by tests.
func NewWriter(w io.Writer) Logger {
	return &zerologLogger{zl: zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()}
}

// Nop discards everything.
func Nop() Logger {
	return &zerologLogger{zl: zerolog.Nop()}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *zerologLogger) Debug(msg string, kv ...any) {
	l.zl.Debug().Fields(kv).Msg(msg)
}

func (l *zerologLogger) Info(msg string, kv ...any) {
	l.zl.Info().Fields(kv).Msg(msg)
}

func (l *zerologLogger) Warn(msg string, kv ...any) {
	l.zl.Warn().Fields(kv).Msg(msg)
}

func (l *zerologLogger) Error(msg string, kv ...any) {
	l.zl.Error().Fields(kv).Msg(msg)
}

func (l *zerologLogger) With(kv ...any) Logger {
	return &zerologLogger{zl: l.zl.With().Fields(kv).Logger()}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
