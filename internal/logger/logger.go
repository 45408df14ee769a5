// Package logger holds the process-wide slog logger the engine and its
// collaborators write to. Output goes to stderr so event streams on stdout
// stay clean.
package logger

import (
	"log/slog"
	"os"
)

// Logger is the shared logger. Tests may swap it for one with a different
// handler.
var Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}
