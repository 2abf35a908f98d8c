// Package logging provides the leveled logger used across the transport:
// the ring handler and msgbufd log through it rather
// than calling the stdlib log package directly, so call sites can attach
// structured fields (interface index, error code) without formatting them
// into the message string by hand.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/brcmfmac/msgbuf/internal/kerr"
)

// Logger wraps stdlib log with level support and a chain of bound fields.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	fields string
	mu     *sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
		mu:     &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithInterface binds the wireless interface index to every subsequent
// call made through the returned logger. Ring-handler call sites that know
// which interface a completion record belongs to should log through this
// rather than folding "if %d" into the message.
func (l *Logger) WithInterface(ifIdx uint8) *Logger {
	return l.withField(fmt.Sprintf("if=%d", ifIdx))
}

// WithFlowRing binds a flow ring index to every subsequent call.
func (l *Logger) WithFlowRing(idx int) *Logger {
	return l.withField(fmt.Sprintf("flow_ring=%d", idx))
}

// WithError binds an error to every subsequent call. If err is a
// *kerr.Error its Op and Code are broken out into their own fields so the
// taxonomy is greppable; any other error is attached as a plain "error"
// field.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	var kerrErr *kerr.Error
	if ke, ok := err.(*kerr.Error); ok {
		kerrErr = ke
	}
	if kerrErr != nil {
		field := fmt.Sprintf("code=%s", kerrErr.Code)
		if kerrErr.Op != "" {
			field = fmt.Sprintf("op=%s %s", kerrErr.Op, field)
		}
		return l.withField(field).withField(fmt.Sprintf("error=%q", err.Error()))
	}
	return l.withField(fmt.Sprintf("error=%q", err.Error()))
}

func (l *Logger) withField(field string) *Logger {
	fields := field
	if l.fields != "" {
		fields = l.fields + " " + field
	}
	return &Logger{
		logger: l.logger,
		level:  l.level,
		fields: fields,
		mu:     l.mu,
	}
}

// formatArgs converts key-value pairs to a string.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var result string
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("%v=%v", args[i], args[i+1])
		}
	}
	if result != "" {
		return " " + result
	}
	return ""
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %s%s", prefix, msg, formatArgs(args))
	if l.fields != "" {
		line = fmt.Sprintf("%s %s", line, l.fields)
	}
	l.logger.Print(line)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, "[INFO]", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, "[WARN]", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, "[ERROR]", msg, args...)
}

// Printf-style logging, for call sites that already have a formatted
// message rather than key-value pairs.
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf for compatibility with callers reaching for a generic sink.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions, routed through the default logger.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
