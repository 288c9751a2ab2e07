// Package logging provides structured logging for the storage engine.
// Components receive a named logger at construction; entries carry a level,
// a component, optional fields, and render as JSON or text.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs logs as JSON objects.
	FormatJSON Format = iota
	// FormatText outputs logs as human-readable text.
	FormatText
)

// ParseFormat converts a string to a Format.
func ParseFormat(s string) Format {
	switch s {
	case "text":
		return FormatText
	default:
		return FormatJSON
	}
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Level         string         `json:"level"`
	Component     string         `json:"component,omitempty"`
	Message       string         `json:"message"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Logger provides structured logging with configurable level and format.
type Logger struct {
	mu            *sync.Mutex
	out           io.Writer
	level         Level
	format        Format
	component     string
	correlationID string
	fields        map[string]any
}

// Config holds configuration for a Logger.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		mu:     &sync.Mutex{},
		out:    out,
		level:  cfg.Level,
		format: cfg.Format,
		fields: make(map[string]any),
	}
}

// DefaultLogger returns a logger with default settings.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON, Output: os.Stderr})
}

// Named returns a logger scoped to a component name. Nested names are
// joined with dots.
func (l *Logger) Named(component string) *Logger {
	out := l.clone()
	if out.component == "" {
		out.component = component
	} else {
		out.component = out.component + "." + component
	}
	return out
}

// With returns a new Logger with the given fields added to every entry.
func (l *Logger) With(fields map[string]any) *Logger {
	out := l.clone()
	for k, v := range fields {
		out.fields[k] = v
	}
	return out
}

// WithCorrelationID returns a new Logger carrying the correlation ID.
func (l *Logger) WithCorrelationID(id string) *Logger {
	out := l.clone()
	out.correlationID = id
	return out
}

// Enabled reports whether a message at the given level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.log(LevelDebug, msg, nil) }

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.log(LevelInfo, msg, nil) }

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) { l.log(LevelInfo, msg, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.log(LevelWarn, msg, nil) }

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) { l.log(LevelWarn, msg, fields) }

// Error logs an error message.
func (l *Logger) Error(msg string) { l.log(LevelError, msg, nil) }

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }

func (l *Logger) clone() *Logger {
	fields := make(map[string]any, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{
		mu:            l.mu,
		out:           l.out,
		level:         l.level,
		format:        l.format,
		component:     l.component,
		correlationID: l.correlationID,
		fields:        fields,
	}
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	if !l.Enabled(level) {
		return
	}

	entry := Entry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Component:     l.component,
		Message:       msg,
		CorrelationID: l.correlationID,
	}
	if len(l.fields) > 0 || len(fields) > 0 {
		merged := make(map[string]any, len(l.fields)+len(fields))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		entry.Fields = merged
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.format {
	case FormatText:
		fmt.Fprintln(l.out, formatText(entry))
	default:
		b, err := json.Marshal(entry)
		if err != nil {
			return
		}
		l.out.Write(append(b, '\n'))
	}
}

func formatText(e Entry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Format(time.RFC3339Nano))
	b.WriteString(" [")
	b.WriteString(e.Level)
	b.WriteString("]")
	if e.Component != "" {
		b.WriteString(" ")
		b.WriteString(e.Component)
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	if e.CorrelationID != "" {
		b.WriteString(" correlationId=")
		b.WriteString(e.CorrelationID)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
		}
	}
	return b.String()
}
