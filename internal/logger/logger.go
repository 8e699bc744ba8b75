package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with application-specific methods
type Logger struct {
	zerolog.Logger
}

// New creates a new Logger instance
func New(level string, format string) *Logger {
	// Set global log level
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var logger zerolog.Logger

	if format == "text" || format == "console" {
		// Human-readable output for development
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	} else {
		// JSON output for production
		logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	}

	return &Logger{Logger: logger}
}

// WithRequestID returns a new logger with the request ID attached
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.With().Str("request_id", requestID).Logger(),
	}
}

// WithCallerID returns a new logger with the caller ID attached
func (l *Logger) WithCallerID(callerID string) *Logger {
	return &Logger{
		Logger: l.With().Str("caller_id", callerID).Logger(),
	}
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
	}
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, statusCode int, duration time.Duration, clientIP string) {
	l.Info().
		Str("method", method).
		Str("path", path).
		Int("status", statusCode).
		Dur("duration", duration).
		Str("client_ip", clientIP).
		Msg("HTTP request")
}

// AdmissionDenied logs a denied admission decision
func (l *Logger) AdmissionDenied(key, endpoint, method, reason string, retryAfter time.Duration) {
	l.Warn().
		Str("key", key).
		Str("endpoint", endpoint).
		Str("method", method).
		Str("reason", reason).
		Dur("retry_after", retryAfter).
		Msg("admission denied")
}

// SecurityEvent logs an audit-relevant security event
func (l *Logger) SecurityEvent(callerID, kind, action string, score int, metadata map[string]interface{}) {
	event := l.Info().
		Str("audit", "true").
		Str("caller_id", callerID).
		Str("kind", kind).
		Str("action", action).
		Int("risk_score", score)

	if metadata != nil {
		event.Interface("metadata", metadata)
	}

	event.Msg("security event")
}
