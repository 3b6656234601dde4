// internal/logging/logging.go
package logging

import "log"

// Logger is the minimal logging contract shared by the subsystem. It is
// deliberately dependency-free so callers can plug in any backend (slog,
// an OTel bridge, a test recorder) without this module taking a dependency.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// stdLogger writes through the standard library logger with a level prefix.
type stdLogger struct{}

// Default returns a Logger backed by the standard library log package.
func Default() Logger {
	return stdLogger{}
}

func (stdLogger) Debug(msg string, args ...any) { log.Printf("DEBUG "+msg, args...) }
func (stdLogger) Info(msg string, args ...any)  { log.Printf("INFO  "+msg, args...) }
func (stdLogger) Warn(msg string, args ...any)  { log.Printf("WARN  "+msg, args...) }
func (stdLogger) Error(msg string, args ...any) { log.Printf("ERROR "+msg, args...) }

// Discard returns a Logger that drops everything. Used by tests that assert
// on behavior rather than output.
func Discard() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
