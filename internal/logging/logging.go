// Package logging wraps the standard library's log.Logger with a level
// filter, matching the teacher's stdout+logfile setup in cmd/tartuffe's
// setupLogging rather than pulling in a structured logging library.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger filters log.Logger output by level. Build one with New; the zero
// value has no output target.
type Logger struct {
	level  Level
	target *log.Logger
	file   *os.File
}

// New builds a Logger writing to stdout and, unless noFile is set, to
// logFile as well (opened for append, created if missing).
func New(level, logFile string, noFile bool) (*Logger, error) {
	writers := []io.Writer{os.Stdout}
	var f *os.File
	if !noFile && logFile != "" {
		var err error
		f, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
	}
	return &Logger{
		level:  ParseLevel(level),
		target: log.New(io.MultiWriter(writers...), "", log.LstdFlags),
		file:   f,
	}, nil
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.target.Printf(levelPrefix(level)+format, args...)
}

func levelPrefix(level Level) string {
	switch level {
	case LevelDebug:
		return "[DEBUG] "
	case LevelWarn:
		return "[WARN] "
	case LevelError:
		return "[ERROR] "
	default:
		return "[INFO] "
	}
}

// SetAsDefault redirects the standard library's default logger (used by
// packages that call log.Printf directly, like internal/api) through the
// same writers this Logger uses, so every line ends up in one place.
func (l *Logger) SetAsDefault() {
	log.SetOutput(l.target.Writer())
	log.SetFlags(log.LstdFlags)
}
