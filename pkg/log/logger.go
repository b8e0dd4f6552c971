// Structured logging for the MBE recipe host
//
// Provides leveled, per-component loggers with:
// - Structured fields (key-value pairs)
// - Text or JSON output, ANSI colors on terminals
// - An optional log/slog sink so entries can be fanned out to
//   journald and the terminal (see sink.go)
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// DEBUG level for register traffic and state transitions
	DEBUG LogLevel = iota

	// INFO level for general informational messages
	INFO

	// WARN level for recoverable problems (retries, clamped values)
	WARN

	// ERROR level for failed operations
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// slogLevel maps a LogLevel onto the log/slog scale.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a string into a LogLevel
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable text format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// Logger is a leveled logger bound to one component prefix.
// Derived loggers share the output settings of their parent.
type Logger struct {
	out    *output
	prefix string
	fields Fields
}

// output holds the settings shared by a logger and everything derived from it.
type output struct {
	mu         sync.Mutex
	writer     io.Writer
	handler    slog.Handler
	level      LogLevel
	timeFormat string
	colorize   bool
	format     OutputFormat
	caller     bool
}

// Entry represents a single log entry with fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger

	ansiColors = map[LogLevel]string{
		DEBUG: "\x1b[36m",
		INFO:  "\x1b[32m",
		WARN:  "\x1b[33m",
		ERROR: "\x1b[31m",
	}
	ansiReset = "\x1b[0m"
)

// New creates a new logger with the given prefix
func New(prefix string) *Logger {
	return &Logger{
		out: &output{
			writer:     os.Stderr,
			level:      INFO,
			timeFormat: "2006-01-02 15:04:05.000",
			colorize:   os.Getenv("NO_COLOR") == "",
			format:     FormatText,
		},
		prefix: prefix,
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

// SetWriter sets the output writer (e.g., for testing)
func (l *Logger) SetWriter(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.writer = w
}

// SetHandler routes entries into h instead of the writer. A nil handler
// restores writer output.
func (l *Logger) SetHandler(h slog.Handler) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.handler = h
}

// SetColorize enables or disables colorized output
func (l *Logger) SetColorize(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.colorize = enable
}

// SetFormat sets the output format (FormatText or FormatJSON)
func (l *Logger) SetFormat(format OutputFormat) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.format = format
}

// SetCaller enables or disables caller info in log output
func (l *Logger) SetCaller(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.caller = enable
}

// Prefix returns the component prefix.
func (l *Logger) Prefix() string {
	return l.prefix
}

// WithPrefix returns a logger for another component sharing this output
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{out: l.out, prefix: prefix, fields: l.fields}
}

// With returns a logger that attaches fields to every entry
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{out: l.out, prefix: l.prefix, fields: merged}
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.emit(DEBUG, msg, args, nil)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.emit(INFO, msg, args, nil)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.emit(WARN, msg, args, nil)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.emit(ERROR, msg, args, nil)
}

// emit is the single entry point; skip counts assume emit <- public method <- caller.
func (l *Logger) emit(level LogLevel, msg string, args []interface{}, fields Fields) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if level < l.out.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	all := l.fields
	if len(fields) > 0 {
		all = make(Fields, len(l.fields)+len(fields))
		for k, v := range l.fields {
			all[k] = v
		}
		for k, v := range fields {
			all[k] = v
		}
	}

	var caller string
	if l.out.caller {
		caller = getCaller(3)
	}

	if l.out.handler != nil {
		l.handle(level, msg, all, caller)
		return
	}

	if l.out.format == FormatJSON {
		fmt.Fprint(l.out.writer, l.formatJSON(level, msg, all, caller))
		return
	}
	fmt.Fprint(l.out.writer, l.formatText(level, msg, all, caller))
}

// handle forwards one entry to the slog handler.
func (l *Logger) handle(level LogLevel, msg string, fields Fields, caller string) {
	ctx := context.Background()
	sl := level.slogLevel()
	if !l.out.handler.Enabled(ctx, sl) {
		return
	}
	record := slog.NewRecord(time.Now(), sl, msg, 0)
	if l.prefix != "" {
		record.AddAttrs(slog.String("component", l.prefix))
	}
	if caller != "" {
		record.AddAttrs(slog.String("caller", caller))
	}
	for _, k := range sortedKeys(fields) {
		record.AddAttrs(slog.Any(k, fields[k]))
	}
	_ = l.out.handler.Handle(ctx, record)
}

// getCaller returns the caller file and line number
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatText formats the log message as text
func (l *Logger) formatText(level LogLevel, msg string, fields Fields, caller string) string {
	var sb strings.Builder

	sb.WriteString(time.Now().Format(l.out.timeFormat))
	sb.WriteString(" [")
	sb.WriteString(fmt.Sprintf("%-5s", level.String()))
	sb.WriteString("] ")

	if l.out.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(l.prefix)
	if l.out.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)

	if caller != "" {
		sb.WriteString(" (")
		sb.WriteString(caller)
		sb.WriteString(")")
	}

	if len(fields) > 0 {
		sb.WriteString(" {")
		for i, k := range sortedKeys(fields) {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			sb.WriteString(fmt.Sprintf("%v", fields[k]))
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")
	return sb.String()
}

// JSONLogEntry is the structure for JSON formatted log entries
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// formatJSON formats the log message as JSON
func (l *Logger) formatJSON(level LogLevel, msg string, fields Fields, caller string) string {
	entry := JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
		Caller:    caller,
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

// Entry methods - log with fields

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	newFields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Entry{logger: e.logger, fields: newFields}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", err.Error())
}

// Debug logs at DEBUG level with fields
func (e *Entry) Debug(msg string, args ...interface{}) {
	e.logger.emit(DEBUG, msg, args, e.fields)
}

// Info logs at INFO level with fields
func (e *Entry) Info(msg string, args ...interface{}) {
	e.logger.emit(INFO, msg, args, e.fields)
}

// Warn logs at WARN level with fields
func (e *Entry) Warn(msg string, args ...interface{}) {
	e.logger.emit(WARN, msg, args, e.fields)
}

// Error logs at ERROR level with fields
func (e *Entry) Error(msg string, args ...interface{}) {
	e.logger.emit(ERROR, msg, args, e.fields)
}

// Package-level functions using default logger

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetLogger returns a component logger sharing the default output
func GetLogger(prefix string) *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("mbe")
		ConfigureFromEnv(defaultLogger)
	}
	return defaultLogger.WithPrefix(prefix)
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *Logger {
	l := New("")
	l.SetWriter(io.Discard)
	l.SetLevel(ERROR + 1)
	return l
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - MBE_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - MBE_LOG_FORMAT: text, json
//   - MBE_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("MBE_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	if formatStr := os.Getenv("MBE_LOG_FORMAT"); formatStr != "" {
		switch strings.ToLower(formatStr) {
		case "json":
			l.SetFormat(FormatJSON)
		case "text":
			l.SetFormat(FormatText)
		}
	}
	if os.Getenv("MBE_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
