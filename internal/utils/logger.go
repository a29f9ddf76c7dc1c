package utils

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Error   LogLevel = 40
	Warning LogLevel = 30
	Info    LogLevel = 20
	Debug   LogLevel = 10
)

// ParseLogLevel maps a level name to a LogLevel, defaulting to Info.
func ParseLogLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger provides leveled key-value logging with a component prefix
type Logger struct {
	prefix        string
	logger        *log.Logger
	logLevel      LogLevel
	logLevelMutex sync.Mutex
}

// NewLogger creates a new logger with a given prefix. The level defaults to
// the LOG_LEVEL environment variable, or Info when unset.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	logLevelValue := ParseLogLevel(os.Getenv("LOG_LEVEL"))
	if len(logLevel) > 0 {
		logLevelValue = logLevel[0]
	}
	return &Logger{
		prefix:   prefix,
		logger:   log.New(os.Stdout, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
		logLevel: logLevelValue,
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	l.logLevel = logLevel
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.emit(Info, "INFO", msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.emit(Error, "ERROR", msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.emit(Warning, "WARN", msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.emit(Debug, "DEBUG", msg, keyvals...)
}

func (l *Logger) emit(level LogLevel, tag, msg string, keyvals ...interface{}) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	if l.logLevel > level {
		return
	}
	l.logger.Println(l.formatMessage(tag, msg, keyvals...))
}

// formatMessage formats a message with key-value pairs
func (l *Logger) formatMessage(level, msg string, keyvals ...interface{}) string {
	formatted := fmt.Sprintf("[%s] %s", level, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		formatted += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	return formatted
}
