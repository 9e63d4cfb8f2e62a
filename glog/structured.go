package glog

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is a value shape for one structured log event. Nothing in
// this package builds or returns one: the zerolog backend below writes
// zerolog's own keys (level, message, error) with the caller's fields
// at the top level of the line, not nested under "fields".
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// StructuredLogger is a field-carrying logger backed by zerolog,
// separate from the package-level Debugf/Infof surface so session code
// can attach a session id once (WithFields) and reuse it across many
// log lines without repeating it.
type StructuredLogger struct {
	logger zerolog.Logger
	level  LEVEL
}

// NewStructuredLogger creates a structured logger writing newline-
// delimited JSON to output at the given verbosity threshold; a nil
// output defaults to the package-level logger's writer (stderr,
// console-formatted), matching glog's plain Debugf/Infof surface.
func NewStructuredLogger(output io.Writer, level LEVEL) *StructuredLogger {
	if output == nil {
		return &StructuredLogger{logger: logger.Level(level.zerolog()), level: level}
	}
	return &StructuredLogger{logger: zerolog.New(output).Level(level.zerolog()), level: level}
}

func (sl *StructuredLogger) event(level LEVEL) *zerolog.Event {
	switch level {
	case DEBUG:
		return sl.logger.Debug()
	case WARN:
		return sl.logger.Warn()
	case ERROR:
		return sl.logger.Error()
	default:
		return sl.logger.Info()
	}
}

// logStructured logs a structured message
func (sl *StructuredLogger) logStructured(level LEVEL, message string, fields map[string]interface{}) {
	sl.event(level).Fields(fields).Msg(message)
}

// DebugStructured logs a debug message with structured fields
func (sl *StructuredLogger) DebugStructured(message string, fields map[string]interface{}) {
	sl.logStructured(DEBUG, message, fields)
}

// InfoStructured logs an info message with structured fields
func (sl *StructuredLogger) InfoStructured(message string, fields map[string]interface{}) {
	sl.logStructured(INFO, message, fields)
}

// WarnStructured logs a warning message with structured fields
func (sl *StructuredLogger) WarnStructured(message string, fields map[string]interface{}) {
	sl.logStructured(WARN, message, fields)
}

// ErrorStructured logs an error message with structured fields
func (sl *StructuredLogger) ErrorStructured(message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	sl.logStructured(ERROR, message, fields)
}

// WithFields creates a new logger carrying fields on every line it
// emits, used to attach a session id once instead of per call.
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	return &StructuredLogger{logger: sl.logger.With().Fields(fields).Logger(), level: sl.level}
}

// Performance logging functions
func (sl *StructuredLogger) LogPerformance(operation string, duration time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["operation"] = operation
	fields["duration_ms"] = duration.Milliseconds()
	fields["duration_ns"] = duration.Nanoseconds()

	sl.InfoStructured("Performance measurement", fields)
}

// Connection logging functions
func (sl *StructuredLogger) LogConnection(addr string, success bool, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"address":     addr,
		"success":     success,
		"duration_ms": duration.Milliseconds(),
	}

	if err != nil {
		fields["error"] = err.Error()
		sl.ErrorStructured("Connection failed", err, fields)
	} else {
		sl.InfoStructured("Connection established", fields)
	}
}

// Input logging functions
func (sl *StructuredLogger) LogInput(inputType string, data interface{}, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["input_type"] = inputType
	fields["data"] = data

	sl.DebugStructured("Input event", fields)
}

// Channel-join logging functions
func (sl *StructuredLogger) LogChannelJoin(channelId uint16, accepted bool, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["channel_id"] = channelId
	fields["accepted"] = accepted

	sl.InfoStructured("Channel join", fields)
}

// Global structured logger instance
var structuredLogger *StructuredLogger

func init() {
	structuredLogger = NewStructuredLogger(nil, DEBUG)
}

// SetStructuredLogger sets the global structured logger
func SetStructuredLogger(logger *StructuredLogger) {
	structuredLogger = logger
}

// GetStructuredLogger returns the global structured logger
func GetStructuredLogger() *StructuredLogger {
	return structuredLogger
}
