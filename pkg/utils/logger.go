/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2025-12-24
 */
package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
)

// LogLevel represents logging level
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelDisabled
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "TRACE"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel 解析 "debug" / "INFO" 等字符串，无法识别时返回 LogLevelInfo 和 false
func ParseLogLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LogLevelTrace, true
	case "debug":
		return LogLevelDebug, true
	case "info", "":
		return LogLevelInfo, true
	case "warn", "warning":
		return LogLevelWarn, true
	case "error":
		return LogLevelError, true
	case "off", "none", "disabled":
		return LogLevelDisabled, true
	default:
		return LogLevelInfo, false
	}
}

// LogCallback is called when a log message is generated
type LogCallback func(level LogLevel, message string)

// logSink 是同一棵 Logger 树共享的级别与输出
type logSink struct {
	mu       sync.RWMutex
	level    LogLevel
	callback LogCallback
	out      io.Writer
}

// Logger is a simple thread-safe logger with callback support.
// Child loggers created with Named share level, callback and output.
type Logger struct {
	sink   *logSink
	prefix string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger("roomcast")
	})
	return defaultLogger
}

// NewLogger creates a new logger with the given prefix and its own sink
func NewLogger(prefix string) *Logger {
	return &Logger{
		sink: &logSink{
			level: LogLevelInfo,
			out:   os.Stderr,
		},
		prefix: prefix,
	}
}

// Named returns a child logger writing to the same sink
func (l *Logger) Named(prefix string) *Logger {
	return &Logger{sink: l.sink, prefix: prefix}
}

// Prefix returns the logger prefix
func (l *Logger) Prefix() string {
	return l.prefix
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// Level returns the minimum log level
func (l *Logger) Level() LogLevel {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	return l.sink.level
}

// SetCallback sets the log callback
func (l *Logger) SetCallback(callback LogCallback) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.callback = callback
}

// SetOutput sets the writer used when no callback is installed
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.out = w
}

// log is the internal logging function
func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.sink.mu.RLock()
	currentLevel := l.sink.level
	callback := l.sink.callback
	out := l.sink.out
	l.sink.mu.RUnlock()

	if level < currentLevel {
		return
	}

	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fullMessage := fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, level.String(), l.prefix, message)

	if callback != nil {
		callback(level, fullMessage)
	} else if out != nil {
		fmt.Fprintln(out, fullMessage)
	}
}

// Trace logs a trace message
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(LogLevelTrace, format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LogLevelDebug, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LogLevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LogLevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LogLevelError, format, args...)
}

// Package-level convenience functions

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

// SetLevel sets the log level for the default logger
func SetLevel(level LogLevel) {
	GetLogger().SetLevel(level)
}

// SetCallback sets the callback for the default logger
func SetCallback(callback LogCallback) {
	GetLogger().SetCallback(callback)
}

// ========== pion/logging 适配 ==========

// pionLogger 把 Logger 暴露为 pion 的 LeveledLogger
type pionLogger struct {
	l *Logger
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (p *pionLogger) Trace(msg string)                          { p.l.log(LogLevelTrace, "%s", msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.log(LogLevelTrace, format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.log(LogLevelDebug, "%s", msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.log(LogLevelDebug, format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.log(LogLevelInfo, "%s", msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.log(LogLevelInfo, format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.log(LogLevelWarn, "%s", msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.log(LogLevelWarn, format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.log(LogLevelError, "%s", msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.log(LogLevelError, format, args...) }

// LoggerFactory implements logging.LoggerFactory on top of a Logger, so the
// pion stack writes through the same level and callback.
type LoggerFactory struct {
	root *Logger
}

var _ logging.LoggerFactory = (*LoggerFactory)(nil)

// NewLoggerFactory 基于 root 创建 pion LoggerFactory，root 为 nil 时使用默认 Logger
func NewLoggerFactory(root *Logger) *LoggerFactory {
	if root == nil {
		root = GetLogger()
	}
	return &LoggerFactory{root: root}
}

// NewLogger returns a scoped pion logger
func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: f.root.Named(scope)}
}

// Root returns the underlying Logger
func (f *LoggerFactory) Root() *Logger {
	return f.root
}
