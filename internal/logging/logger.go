// Package logging provides the structured logger used across every HCR
// component. It is a small, dependency-free logger in the style the
// teacher's kernel utilities use: leveled, component-scoped, field-based.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log record.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

var levelNames = map[Level]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
	Fatal: "FATAL",
}

// Field is a key-value pair attached to a log record.
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field { return Field{key, value} }
func Int(key string, value int) Field { return Field{key, value} }
func Uint64(key string, value uint64) Field { return Field{key, value} }
func Uint32(key string, value uint32) Field { return Field{key, value} }
func Bool(key string, value bool) Field { return Field{key, value} }
func Err(err error) Field { return Field{"error", err} }
func Any(key string, value interface{}) Field { return Field{key, value} }

func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Logger is a leveled, component-scoped logger writing to an io.Writer.
type Logger struct {
	mu         sync.Mutex
	level      Level
	component  string
	output     io.Writer
	timeFormat string
}

// Config configures a Logger.
type Config struct {
	Level     Level
	Component string
	Output    io.Writer
}

// New creates a logger for the given component with sensible defaults.
// This is the constructor each logging component in this module uses to
// get its own logger instance.
func New(component string) *Logger {
	return NewWithConfig(Config{Level: Info, Component: component})
}

// NewWithConfig creates a logger from an explicit configuration.
func NewWithConfig(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{
		level:      cfg.Level,
		component:  cfg.Component,
		output:     cfg.Output,
		timeFormat: "15:04:05.000",
	}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(Debug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(Info, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(Warn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(Error, msg, fields...) }

// Fatal logs at Fatal level and exits the process. Reserved for
// BackendFailure and invariant-violation paths; never called for
// recoverable error kinds (Full, Empty, LockNotAcquired, NotFound).
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.log(Fatal, msg, fields...)
	os.Exit(1)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().Format(l.timeFormat))
	b.WriteString("] [")
	b.WriteString(fmt.Sprintf("%-5s", levelNames[level]))
	b.WriteString("] ")
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(f.format())
	}
	b.WriteString("\n")
	l.output.Write([]byte(b.String()))
}
