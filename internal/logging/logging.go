// Package logging provides the process-wide logger used across Loom's
// subsystems. It is deliberately thin: a disable switch plus leveled
// passthroughs to the standard logger, matching how the rest of the system
// treats logging as ambient infrastructure rather than a feature.
package logging

import (
	"context"
	"log"
	"os"
)

var (
	disabled = false
	logger   = log.New(os.Stdout, "", log.LstdFlags)
)

// Disable turns off all logging (used by tests that assert on stdout).
func Disable() { disabled = true }

// Enable turns logging back on.
func Enable() { disabled = false }

// Info logs an info message.
func Info(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Infof logs a formatted info message.
func Infof(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Error logs an error message.
func Error(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Errorf logs a formatted error message.
func Errorf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Warn logs a warning message.
func Warn(v ...any) {
	if !disabled {
		logger.Println(v...)
	}
}

// Warnf logs a formatted warning message.
func Warnf(format string, v ...any) {
	if !disabled {
		logger.Printf(format, v...)
	}
}

// Logger is a zero-value-usable logger, embeddable in structs that want a
// receiver-style logging API without carrying state.
type Logger struct{}

// WithContext returns a Logger. Context is accepted for API symmetry with
// components that thread a context through but currently ignored.
func WithContext(ctx context.Context) Logger { return Logger{} }

func (l Logger) Info(v ...any)                    { Info(v...) }
func (l Logger) Infof(format string, v ...any)    { Infof(format, v...) }
func (l Logger) Error(v ...any)                   { Error(v...) }
func (l Logger) Errorf(format string, v ...any)   { Errorf(format, v...) }
func (l Logger) Warn(v ...any)                    { Warn(v...) }
func (l Logger) Warnf(format string, v ...any)    { Warnf(format, v...) }
