package gerbang

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the minimal structured logger the client writes to. args are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DebugConfig selects which concerns produce debug output.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogCache     bool
	LogRateLimit bool
	LogCircuit   bool
	LogRetries   bool
	LogPool      bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a disabled config with every concern selected,
// so WithDebug only has to flip Enabled.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogCache:     true,
		LogRateLimit: true,
		LogCircuit:   true,
		LogRetries:   true,
		LogPool:      true,
		RequestIDGen: newRequestID,
	}
}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger wraps an existing zerolog logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// NewSimpleLogger logs human-readable lines to stderr at debug level.
func NewSimpleLogger() *ZerologLogger {
	return NewConsoleLogger(os.Stderr, zerolog.DebugLevel)
}

// NewConsoleLogger logs human-readable lines to w at or above level.
func NewConsoleLogger(w io.Writer, level zerolog.Level) *ZerologLogger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return NewZerologLogger(zerolog.New(output).Level(level).With().Timestamp().Str("component", "gerbang").Logger())
}

// NewJSONLogger logs one JSON object per line to w at or above level.
func NewJSONLogger(w io.Writer, level zerolog.Level) *ZerologLogger {
	return NewZerologLogger(zerolog.New(w).Level(level).With().Timestamp().Str("component", "gerbang").Logger())
}

// Debug logs a debug message.
func (l *ZerologLogger) Debug(msg string, args ...any) { l.logger.Debug().Fields(args).Msg(msg) }

// Info logs an informational message.
func (l *ZerologLogger) Info(msg string, args ...any) { l.logger.Info().Fields(args).Msg(msg) }

// Warn logs a warning message.
func (l *ZerologLogger) Warn(msg string, args ...any) { l.logger.Warn().Fields(args).Msg(msg) }

// Error logs an error message.
func (l *ZerologLogger) Error(msg string, args ...any) { l.logger.Error().Fields(args).Msg(msg) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything.
func NopLogger() Logger { return nopLogger{} }
