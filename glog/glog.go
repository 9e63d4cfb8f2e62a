// Package glog provides the leveled logging used throughout the
// protocol stack and session machinery: a small printf-style surface
// (Debugf/Infof/Warnf/Errorf) for the hot protocol-parsing path, and a
// structured, field-carrying surface (see structured.go) for session
// and connection events an operator wants to correlate.
package glog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// LEVEL is the logging verbosity threshold.
type LEVEL int

const (
	DEBUG LEVEL = iota
	INFO
	WARN
	ERROR
)

func (l LEVEL) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case INFO:
		return zerolog.InfoLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
	With().Timestamp().Logger().Level(zerolog.DebugLevel)

// SetLevel adjusts the global verbosity threshold.
func SetLevel(level LEVEL) {
	logger = logger.Level(level.zerolog())
}

// ParseLevel maps a config string (debug/info/warn/error) to a LEVEL,
// defaulting to INFO for anything unrecognized.
func ParseLevel(s string) LEVEL {
	switch s {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetOutput redirects the global logger's writer, e.g. to a file
// opened per the config's logging section.
func SetOutput(w io.Writer) {
	logger = logger.Output(w).With().Timestamp().Logger().Level(logger.GetLevel())
}

func Debug(msg string)                          { logger.Debug().Msg(msg) }
func Info(msg string)                           { logger.Info().Msg(msg) }
func Warn(msg string)                           { logger.Warn().Msg(msg) }
func Error(msg string)                          { logger.Error().Msg(msg) }
func Debugf(format string, args ...interface{}) { logger.Debug().Msgf(format, args...) }
func Infof(format string, args ...interface{})  { logger.Info().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { logger.Warn().Msgf(format, args...) }
func Errorf(format string, args ...interface{}) { logger.Error().Msgf(format, args...) }

// WithFields returns a zerolog event pre-populated with fields, for
// call sites that want structured key/value context on a single line
// (session id, channel id, PDU type) without going through the
// LogEntry/StructuredLogger path in structured.go.
func WithFields(level LEVEL, fields map[string]interface{}) *zerolog.Event {
	var ev *zerolog.Event
	switch level {
	case DEBUG:
		ev = logger.Debug()
	case WARN:
		ev = logger.Warn()
	case ERROR:
		ev = logger.Error()
	default:
		ev = logger.Info()
	}
	return ev.Fields(fields)
}
