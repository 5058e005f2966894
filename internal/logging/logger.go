// Package logging provides structured logging with run and shard correlation.
//
// Every defragmentation run gets a run ID; per-shard workers log through child
// loggers carrying the shard identifier, so interleaved worker output stays
// attributable.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"runtime"
	"strconv"
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

// ParseLevel converts a string to a Level. Unknown strings default to info.
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
	// FormatText outputs logs as human-readable text. This is the default
	// for an interactive operator tool.
	FormatText Format = iota
	// FormatJSON outputs logs as JSON objects, one per line.
	FormatJSON
)

// ParseFormat converts a string to a Format. Unknown strings default to text.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		return FormatText
	}
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	RunID     string         `json:"runId,omitempty"`
	Shard     string         `json:"shard,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger provides structured logging with configurable levels and formats.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	level      Level
	format     Format
	addCaller  bool
	callerSkip int
	fields     map[string]any
	runID      string
	shard      string
}

// Config holds configuration for a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddCaller  bool
	CallerSkip int
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		out:        out,
		level:      cfg.Level,
		format:     cfg.Format,
		addCaller:  cfg.AddCaller,
		callerSkip: cfg.CallerSkip,
		fields:     make(map[string]any),
	}
}

// DefaultLogger returns a logger with default settings.
func DefaultLogger() *Logger {
	return New(Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: os.Stderr,
	})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetFormat updates the output format.
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	newFields := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		out:        l.out,
		level:      l.level,
		format:     l.format,
		addCaller:  l.addCaller,
		callerSkip: l.callerSkip,
		fields:     newFields,
		runID:      l.runID,
		shard:      l.shard,
	}
}

// WithRunID returns a new Logger stamping every entry with the run ID.
func (l *Logger) WithRunID(id string) *Logger {
	child := l.With(nil)
	child.runID = id
	return child
}

// WithShard returns a new Logger stamping every entry with the shard ID.
// Used by per-shard workers so interleaved output stays attributable.
func (l *Logger) WithShard(shard string) *Logger {
	child := l.With(nil)
	child.shard = shard
	return child
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.log(LevelDebug, msg, nil)
}

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.log(LevelInfo, msg, nil)
}

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.log(LevelWarn, msg, nil)
}

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

// Error logs an error message.
func (l *Logger) Error(msg string) {
	l.log(LevelError, msg, nil)
}

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) {
	l.log(LevelError, msg, fields)
}

func (l *Logger) log(level Level, msg string, extraFields map[string]any) {
	l.mu.Lock()
	currentLevel := l.level
	format := l.format
	addCaller := l.addCaller
	callerSkip := l.callerSkip
	runID := l.runID
	shard := l.shard
	fields := l.fields
	out := l.out
	l.mu.Unlock()

	if level < currentLevel {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		RunID:     runID,
		Shard:     shard,
	}

	if addCaller {
		_, file, line, ok := runtime.Caller(2 + callerSkip)
		if ok {
			entry.File = file
			entry.Line = line
		}
	}

	if len(fields) > 0 || len(extraFields) > 0 {
		entry.Fields = make(map[string]any, len(fields)+len(extraFields))
		for k, v := range fields {
			entry.Fields[k] = v
		}
		for k, v := range extraFields {
			entry.Fields[k] = v
		}
	}

	var data []byte
	switch format {
	case FormatJSON:
		data, _ = json.Marshal(entry)
		data = append(data, '\n')
	case FormatText:
		data = formatText(entry)
	}

	l.mu.Lock()
	_, _ = out.Write(data)
	l.mu.Unlock()
}

func formatText(e Entry) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, e.Timestamp.Format(time.RFC3339)...)
	buf = append(buf, ' ')
	buf = append(buf, '[')
	buf = append(buf, e.Level...)
	buf = append(buf, ']')
	if e.Shard != "" {
		buf = append(buf, ' ')
		buf = append(buf, e.Shard...)
		buf = append(buf, ':')
	}
	buf = append(buf, ' ')
	buf = append(buf, e.Message...)

	if e.RunID != "" {
		buf = append(buf, " runId="...)
		buf = append(buf, e.RunID...)
	}
	if e.File != "" {
		buf = append(buf, " file="...)
		buf = append(buf, e.File...)
		buf = append(buf, ':')
		buf = append(buf, strconv.Itoa(e.Line)...)
	}
	for k, v := range e.Fields {
		buf = append(buf, ' ')
		buf = append(buf, k...)
		buf = append(buf, '=')
		switch val := v.(type) {
		case string:
			buf = append(buf, val...)
		default:
			data, _ := json.Marshal(v)
			buf = append(buf, data...)
		}
	}
	buf = append(buf, '\n')
	return buf
}
