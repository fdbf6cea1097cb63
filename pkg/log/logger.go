// Structured logging for the haptics bridge
//
// Thin leveled logger on top of zerolog with:
// - per-component prefixes
// - persistent and per-entry structured fields
// - text (console) and JSON output
// - optional caller info and rotating file output
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
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

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel parses a string into a LogLevel. Unknown strings map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
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
	// FormatText writes zerolog console lines
	FormatText OutputFormat = iota
	// FormatJSON writes one JSON object per line
	FormatJSON
)

// ParseFormat maps "json" to FormatJSON and everything else to FormatText.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), "json") {
		return FormatJSON
	}
	return FormatText
}

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// Logger is a prefixed, leveled logger. The zero value is not usable; use New.
type Logger struct {
	mu         sync.Mutex
	prefix     string
	writer     io.Writer
	level      LogLevel
	timeFormat string
	colorize   bool
	outFormat  OutputFormat
	fields     Fields
	caller     bool

	zl zerolog.Logger
}

// Entry is a log line under construction with extra fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// New creates a new logger with the given prefix
func New(prefix string) *Logger {
	l := &Logger{
		prefix:     prefix,
		writer:     os.Stderr,
		level:      INFO,
		timeFormat: "2006-01-02 15:04:05.000",
		colorize:   os.Getenv("NO_COLOR") == "",
		outFormat:  FormatText,
		fields:     make(Fields),
	}
	l.rebuild()
	return l
}

// rebuild recreates the zerolog backend. Caller holds l.mu or owns l exclusively.
func (l *Logger) rebuild() {
	var out io.Writer = l.writer
	if l.outFormat == FormatText {
		prefix := l.prefix
		out = zerolog.ConsoleWriter{
			Out:        l.writer,
			NoColor:    !l.colorize,
			TimeFormat: l.timeFormat,
			PartsOrder: []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName},
			FormatMessage: func(i interface{}) string {
				if prefix == "" {
					return fmt.Sprint(i)
				}
				return fmt.Sprintf("%s: %v", prefix, i)
			},
		}
	}
	ctx := zerolog.New(out).Level(l.level.zerolog()).With().Timestamp()
	if l.outFormat == FormatJSON && l.prefix != "" {
		ctx = ctx.Str("logger", l.prefix)
	}
	if len(l.fields) > 0 {
		ctx = ctx.Fields(map[string]interface{}(l.fields))
	}
	l.zl = ctx.Logger()
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.rebuild()
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetWriter sets the output writer (e.g., for testing)
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
	l.rebuild()
}

// SetTimeFormat sets the time format used by the text format
func (l *Logger) SetTimeFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeFormat = format
	l.rebuild()
}

// SetColorize enables or disables colorized text output
func (l *Logger) SetColorize(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.colorize = enable
	l.rebuild()
}

// SetFormat sets the output format (FormatText or FormatJSON)
func (l *Logger) SetFormat(format OutputFormat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outFormat = format
	l.rebuild()
}

// SetCaller enables or disables caller info in log output
func (l *Logger) SetCaller(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caller = enable
}

// Prefix returns the component prefix.
func (l *Logger) Prefix() string {
	return l.prefix
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
	return l.WithField("error", errString(err))
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// getCaller returns the caller file and line number
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// emit is the single write path. callerSkip counts frames above emit.
func (l *Logger) emit(level LogLevel, msg string, fields Fields, callerSkip int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	ev := l.zl.WithLevel(level.zerolog())
	if ev == nil {
		return
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	if l.caller {
		ev = ev.Str("caller", getCaller(callerSkip+1))
	}
	ev.Msg(msg)
}

func (l *Logger) logf(level LogLevel, msg string, args []interface{}) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.emit(level, msg, nil, 3)
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.logf(DEBUG, msg, args)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.logf(INFO, msg, args)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.logf(WARN, msg, args)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.logf(ERROR, msg, args)
}

// WithPrefix returns a new logger sharing this logger's settings under a new prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{
		prefix:     prefix,
		writer:     l.writer,
		level:      l.level,
		timeFormat: l.timeFormat,
		colorize:   l.colorize,
		outFormat:  l.outFormat,
		fields:     l.fields,
		caller:     l.caller,
	}
	child.rebuild()
	return child
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	newFields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Entry{logger: e.logger, fields: newFields}
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	newFields := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &Entry{logger: e.logger, fields: newFields}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", errString(err))
}

func (e *Entry) Debug(msg string) { e.logger.emit(DEBUG, msg, e.fields, 2) }
func (e *Entry) Info(msg string)  { e.logger.emit(INFO, msg, e.fields, 2) }
func (e *Entry) Warn(msg string)  { e.logger.emit(WARN, msg, e.fields, 2) }
func (e *Entry) Error(msg string) { e.logger.emit(ERROR, msg, e.fields, 2) }

// Debugf logs formatted message at DEBUG level with fields
func (e *Entry) Debugf(format string, args ...interface{}) {
	e.logger.emit(DEBUG, fmt.Sprintf(format, args...), e.fields, 2)
}

// Infof logs formatted message at INFO level with fields
func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.emit(INFO, fmt.Sprintf(format, args...), e.fields, 2)
}

// Warnf logs formatted message at WARN level with fields
func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.emit(WARN, fmt.Sprintf(format, args...), e.fields, 2)
}

// Errorf logs formatted message at ERROR level with fields
func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.emit(ERROR, fmt.Sprintf(format, args...), e.fields, 2)
}

// SetDefaultLogger sets the global default logger that GetLogger derives from
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// GetLogger returns a logger derived from the default logger with the given prefix
func GetLogger(prefix string) *Logger {
	defaultMu.RLock()
	root := defaultLogger
	defaultMu.RUnlock()
	if root == nil {
		root = New("haptics")
		SetDefaultLogger(root)
	}
	return root.WithPrefix(prefix)
}

// Options configures the default logger, usually from the [log] config section.
type Options struct {
	Level    LogLevel
	Format   OutputFormat
	Caller   bool
	Rotation *RotationConfig
}

// Setup configures and installs the default logger. The returned closer
// releases the log file, if any.
func Setup(opts Options) (io.Closer, error) {
	root := New("haptics")
	root.SetLevel(opts.Level)
	root.SetFormat(opts.Format)
	root.SetCaller(opts.Caller)

	var closer io.Closer = nopCloser{}
	if opts.Rotation != nil && opts.Rotation.Filename != "" {
		fw, err := NewRotatingFileWriter(*opts.Rotation)
		if err != nil {
			return nil, err
		}
		root.SetColorize(false)
		root.SetWriter(io.MultiWriter(os.Stderr, fw))
		closer = fw
	}
	ConfigureFromEnv(root)
	SetDefaultLogger(root)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func init() {
	root := New("haptics")
	ConfigureFromEnv(root)
	defaultLogger = root
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - HAPTICS_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - HAPTICS_LOG_FORMAT: text, json
//   - HAPTICS_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("HAPTICS_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	if formatStr := os.Getenv("HAPTICS_LOG_FORMAT"); formatStr != "" {
		l.SetFormat(ParseFormat(formatStr))
	}
	if os.Getenv("HAPTICS_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
