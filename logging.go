// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbroker

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses the textual form used in configuration files.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "error", "ERROR":
		return LogLevelError
	case "warn", "WARN", "warning":
		return LogLevelWarn
	case "debug", "DEBUG":
		return LogLevelDebug
	case "trace", "TRACE":
		return LogLevelTrace
	default:
		return LogLevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelError:
		return zerolog.ErrorLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger writing to stderr at the given level.
func NewLogger(level LogLevel) zerolog.Logger {
	return NewLoggerWithWriter(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, level)
}

// NewLoggerWithWriter creates a logger with a custom writer and level.
func NewLoggerWithWriter(w io.Writer, level LogLevel) zerolog.Logger {
	return zerolog.New(w).Level(level.zerolog()).With().Timestamp().Logger()
}

// StdLogger bridges a zerolog logger onto a *log.Logger, for libraries
// such as the zmq4 sockets that only accept the standard type.
func StdLogger(l zerolog.Logger) *log.Logger {
	return log.New(l.With().Str("source", "zmq4").Logger(), "", 0)
}

// Default loggers for different levels
var (
	// DevNullLogger discards all output.
	DevNullLogger = zerolog.Nop()

	// DefaultLogger logs at info level.
	DefaultLogger = NewLogger(LogLevelInfo)

	// DebugLogger for development.
	DebugLogger = NewLogger(LogLevelDebug)
)
