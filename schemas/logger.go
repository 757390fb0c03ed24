// Package schemas defines the shared types and interfaces used across batchling:
// the provider adapter contract, pending/active/resumed batch records, and the
// error taxonomy. It has no dependencies on the other batchling packages so that
// providers, cache, and batcher can all import it without cycles.
package schemas

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the severity of a log message.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Logger is the logging interface batchling components depend on. Callers may
// supply their own implementation in Config; DefaultLogger is used otherwise.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(err error)
}

// DefaultLogger implements Logger on top of zerolog, writing to stdout/stderr.
type DefaultLogger struct {
	out zerolog.Logger
	err zerolog.Logger
}

func toZerologLevel(l LogLevel) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewDefaultLogger creates a DefaultLogger at the given level.
func NewDefaultLogger(level LogLevel) *DefaultLogger {
	zerolog.SetGlobalLevel(toZerologLevel(level))
	zerolog.TimeFieldFormat = time.RFC3339
	return &DefaultLogger{
		out: zerolog.New(os.Stdout).With().Timestamp().Logger(),
		err: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
}

func (l *DefaultLogger) Debug(msg string) { l.out.Debug().Msg(msg) }
func (l *DefaultLogger) Info(msg string)  { l.out.Info().Msg(msg) }
func (l *DefaultLogger) Warn(msg string)  { l.out.Warn().Msg(msg) }
func (l *DefaultLogger) Error(err error) {
	if err == nil {
		l.err.Error().Msg("nil error")
		return
	}
	l.err.Error().Msg(err.Error())
}
