package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ANSI color codes for console output
const (
	ColorReset        = "\033[0m"
	ColorGreen        = "\033[32m"
	ColorCyan         = "\033[36m"
	ColorBrightRed    = "\033[91m"
	ColorBrightYellow = "\033[93m"
	ColorBrightGray   = "\033[90m"
)

// Column widths for aligned console output
const (
	ServiceNameWidth = 20
	LogLevelWidth    = 7
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a configuration string to a Level. Unknown values map to info.
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// LogEntry represents a single log entry
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
	Fields  map[string]string
}

// Logger provides leveled console logging with subscriber fan-out
type Logger struct {
	serviceName string
	version     string

	mu             sync.RWMutex
	level          Level
	out            io.Writer
	subscribers    []chan LogEntry
	colorEnabled   bool
	disableConsole bool
}

// New creates a new logger instance
func New(serviceName, version string) *Logger {
	return &Logger{
		serviceName:  serviceName,
		version:      version,
		level:        LevelInfo,
		out:          os.Stdout,
		subscribers:  make([]chan LogEntry, 0),
		colorEnabled: isTerminal(),
	}
}

// isTerminal checks if we're outputting to a terminal (for color support)
func isTerminal() bool {
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// SetLevel sets the minimum level written to the console and subscribers
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	l.level = ParseLevel(level)
	l.mu.Unlock()
}

// SetOutput redirects console output. Color is disabled for non-stdout writers.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.out = w
	l.colorEnabled = false
	l.mu.Unlock()
}

// Subscribe returns a channel to receive log entries
func (l *Logger) Subscribe() <-chan LogEntry {
	ch := make(chan LogEntry, 100)

	l.mu.Lock()
	l.subscribers = append(l.subscribers, ch)
	l.mu.Unlock()

	return ch
}

// DisableConsoleOutput stops console output; subscribers still receive entries
func (l *Logger) DisableConsoleOutput() {
	l.mu.Lock()
	l.disableConsole = true
	l.mu.Unlock()
}

// EnableConsoleOutput enables console output (default behavior)
func (l *Logger) EnableConsoleOutput() {
	l.mu.Lock()
	l.disableConsole = false
	l.mu.Unlock()
}

func (l *Logger) colorFor(level Level) string {
	if !l.colorEnabled {
		return ""
	}
	switch level {
	case LevelDebug:
		return ColorBrightGray
	case LevelInfo:
		return ColorGreen
	case LevelWarn:
		return ColorBrightYellow
	default:
		return ColorBrightRed
	}
}

func formatServiceName(serviceName string) string {
	if len(serviceName) > ServiceNameWidth {
		return serviceName[:ServiceNameWidth-1] + "…"
	}
	return fmt.Sprintf("%-*s", ServiceNameWidth, serviceName)
}

func formatLogLevel(level Level) string {
	levelStr := level.String()
	switch level {
	case LevelError, LevelFatal:
		levelStr = "✗ " + levelStr
	case LevelWarn:
		levelStr = "⚠ " + levelStr
	case LevelInfo:
		levelStr = "ℹ " + levelStr
	case LevelDebug:
		levelStr = "◦ " + levelStr
	}
	return fmt.Sprintf("%-*s", LogLevelWidth+2, levelStr)
}

func formatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if l == nil {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if level < l.level {
		return
	}

	now := time.Now()
	entry := LogEntry{
		Time:    now,
		Level:   level.String(),
		Message: message,
		Fields:  fields,
	}

	if !l.disableConsole && l.out != nil {
		color := l.colorFor(level)
		reset := ""
		prefix := ""
		if l.colorEnabled {
			reset = ColorReset
			prefix = ColorCyan
		}
		fmt.Fprintf(l.out, "%s[%s] [%s] [%s%s%s] %s%s%s\n",
			prefix, now.Format("2006-01-02 15:04:05.000"), formatServiceName(l.serviceName),
			color, formatLogLevel(level), reset, message, formatFields(fields), reset)
	}

	for _, ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
			// Skip if channel is full
		}
	}
}

func render(message string, args []interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(message, args...)
	}
	return message
}

// Debug logs a debug message with optional formatting
func (l *Logger) Debug(message string, args ...interface{}) {
	l.log(LevelDebug, render(message, args), nil)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, fmt.Sprintf(format, args...), nil)
}

// Info logs an info message with optional formatting
func (l *Logger) Info(message string, args ...interface{}) {
	l.log(LevelInfo, render(message, args), nil)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message with optional formatting
func (l *Logger) Warn(message string, args ...interface{}) {
	l.log(LevelWarn, render(message, args), nil)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, fmt.Sprintf(format, args...), nil)
}

// Error logs an error message with optional formatting
func (l *Logger) Error(message string, args ...interface{}) {
	l.log(LevelError, render(message, args), nil)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, fmt.Sprintf(format, args...), nil)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(LevelFatal, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// WithFields returns a context that attaches fields to every entry
func (l *Logger) WithFields(fields map[string]string) *LogContext {
	return &LogContext{
		logger: l,
		fields: fields,
	}
}

// LogContext provides field-based logging
type LogContext struct {
	logger *Logger
	fields map[string]string
}

func (c *LogContext) Debug(message string, args ...interface{}) {
	c.logger.log(LevelDebug, render(message, args), c.fields)
}

func (c *LogContext) Info(message string, args ...interface{}) {
	c.logger.log(LevelInfo, render(message, args), c.fields)
}

func (c *LogContext) Warn(message string, args ...interface{}) {
	c.logger.log(LevelWarn, render(message, args), c.fields)
}

func (c *LogContext) Error(message string, args ...interface{}) {
	c.logger.log(LevelError, render(message, args), c.fields)
}
