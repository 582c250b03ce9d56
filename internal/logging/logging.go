// Package logging builds the structured loggers shared by both binaries.
package logging

import (
	"io"
	"os"

	"github.com/phuslu/log"
)

// New returns a JSON logger on stdout, or a console logger when env is "dev".
func New(level, env string) *log.Logger {
	logger := &log.Logger{
		Level:      log.ParseLevel(level),
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
	if env == "dev" {
		logger.Writer = &log.ConsoleWriter{ColorOutput: true, EndWithMessage: true}
		return logger
	}
	logger.Writer = &log.IOWriter{Writer: os.Stdout}
	return logger
}

// Nop discards everything; used by tests and as a nil-safe fallback.
func Nop() *log.Logger {
	return &log.Logger{Writer: &log.IOWriter{Writer: io.Discard}}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *log.Logger) *log.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
