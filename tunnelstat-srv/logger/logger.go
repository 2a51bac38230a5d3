package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// TRACE level for per-read relay output, the most verbose level
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

var (
	// currentLevel is read by every tunnel goroutine and may be changed on reload
	currentLevel atomic.Int32
	// stdLogger is the standard logger instance
	stdLogger = log.New(os.Stdout, "", log.LstdFlags)
)

func init() {
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

func IsLevelEnabled(level LogLevel) bool {
	return level >= GetLevel()
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	stdLogger.SetOutput(w)
}

// FileOptions controls the rotating log file created by UseFile.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// UseFile sends log output to a size-rotated file. The returned closer
// releases the file; output is reset to stdout when it is closed.
func UseFile(opts FileOptions) io.Closer {
	rotator := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}
	stdLogger.SetOutput(rotator)
	return &fileCloser{rotator: rotator}
}

type fileCloser struct {
	rotator *lumberjack.Logger
}

func (f *fileCloser) Close() error {
	stdLogger.SetOutput(os.Stdout)
	return f.rotator.Close()
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// levelToString converts a LogLevel to its string representation
func levelToString(level LogLevel) string {
	switch level {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(level LogLevel, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}

	stdLogger.Printf("[%s] %s", levelToString(level), fmt.Sprintf(format, v...))
}

// Trace logs a trace message
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, format, v...)
	os.Exit(1)
}

// WithRequestID prefixes a formatted message with a request (tunnel) ID.
// Arguments are handled in the manner of [fmt.Printf].
func WithRequestID(requestID, format string, v ...any) string {
	return fmt.Sprintf("[%s] %s", requestID, fmt.Sprintf(format, v...))
}
