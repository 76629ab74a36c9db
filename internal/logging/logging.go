// Package logging provides the leveled logger used across the server.
//
// It deliberately stays on the standard library's log package, the way the
// reference daemon does (a CLI network tool that prints to stderr or an
// optional -log file), and reserves github.com/fatih/color for drawing
// attention to warnings and errors, again matching the reference daemon's
// own use of color for configuration warnings.
package logging

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
)

// Level controls which messages reach the underlying log.Logger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is a small leveled wrapper around *log.Logger.
type Logger struct {
	level Level
	std   *log.Logger
	warn  *color.Color
	error *color.Color
}

// New builds a Logger writing to os.Stderr at the given minimum level.
func New(level Level) *Logger {
	return &Logger{
		level: level,
		std:   log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile),
		warn:  color.New(color.FgYellow),
		error: color.New(color.FgRed),
	}
}

// SetOutputFile redirects the logger to the named file, mirroring the
// reference daemon's -log flag.
func (l *Logger) SetOutputFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	l.std.SetOutput(f)
	return nil
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.level > LevelDebug {
		return
	}
	l.std.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.level > LevelInfo {
		return
	}
	l.std.Output(2, "INFO  "+fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.level > LevelWarn {
		return
	}
	l.std.Output(2, l.warn.Sprint("WARN  "+fmt.Sprintf(format, args...)))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Output(2, l.error.Sprint("ERROR "+fmt.Sprintf(format, args...)))
}

// Discard is a Logger that drops everything; handy in tests.
func Discard() *Logger {
	l := New(LevelError + 1)
	l.std.SetOutput(discardWriter{})
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
