package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// LogLevel controls which messages are emitted. Messages below the
// configured level are dropped.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	level LogLevel = INFO
)

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO
// for anything unrecognized.
func ParseLogLevel(name string) LogLevel {
	switch strings.ToUpper(name) {
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

// SetLogLevel sets the global log level from a level name.
func SetLogLevel(name string) {
	mu.Lock()
	defer mu.Unlock()
	level = ParseLogLevel(name)
}

// GetLogLevel returns the current global level name.
func GetLogLevel() string {
	mu.RLock()
	defer mu.RUnlock()
	switch level {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

func shouldLog(l LogLevel) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= level
}

func logMessage(tag string, format string, v ...interface{}) {
	log.Printf("[%s] %s", tag, fmt.Sprintf(format, v...))
}

// Debug logs debug level messages
func Debug(format string, v ...interface{}) {
	if shouldLog(DEBUG) {
		logMessage("DEBUG", format, v...)
	}
}

// Info logs info level messages
func Info(format string, v ...interface{}) {
	if shouldLog(INFO) {
		logMessage("INFO", format, v...)
	}
}

// Warn logs warning level messages
func Warn(format string, v ...interface{}) {
	if shouldLog(WARN) {
		logMessage("WARN", format, v...)
	}
}

// Error logs error level messages
func Error(format string, v ...interface{}) {
	if shouldLog(ERROR) {
		logMessage("ERROR", format, v...)
	}
}
