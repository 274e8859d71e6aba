package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Redacted replaces secret values in structured data before emission.
const Redacted = "[REDACTED]"

var secretKeyPattern = regexp.MustCompile(`(?i)secret|password|token|authorization|bearer|jwt`)

// Logger is the process-wide structured logger. Every emission passes the
// cascade filter, is redacted and truncated, lands in the ring buffer and
// the SSE broker, and is finally written through zerolog.
type Logger struct {
	cfg    *Config
	ring   *Ring
	broker *Broker

	pretty zerolog.Logger
	json   zerolog.Logger
}

// New creates a logger writing to w. Pass os.Stderr in production.
func New(cfg *Config, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return &Logger{
		cfg:    cfg,
		ring:   NewRing(DefaultRingSize),
		broker: NewBroker(),
		pretty: zerolog.New(console).With().Timestamp().Logger(),
		json:   zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Discard returns a logger that drops everything. Tests that do not
// assert on log output use it.
func Discard() *Logger {
	cfg := NewConfig(LevelOff, ModeJSON)
	return New(cfg, io.Discard)
}

// Config exposes the runtime configuration for the admin plane.
func (l *Logger) Config() *Config { return l.cfg }

// Ring exposes the recent-entry buffer for the admin plane.
func (l *Logger) Ring() *Ring { return l.ring }

// Broker exposes the SSE fan-out for the admin plane.
func (l *Logger) Broker() *Broker { return l.broker }

// Trace logs at TRACE.
func (l *Logger) Trace(ctx context.Context, cat Category, msg string, data map[string]any) {
	l.log(ctx, LevelTrace, cat, msg, nil, data)
}

// Debug logs at DEBUG.
func (l *Logger) Debug(ctx context.Context, cat Category, msg string, data map[string]any) {
	l.log(ctx, LevelDebug, cat, msg, nil, data)
}

// Info logs at INFO.
func (l *Logger) Info(ctx context.Context, cat Category, msg string, data map[string]any) {
	l.log(ctx, LevelInfo, cat, msg, nil, data)
}

// Warn logs at WARN.
func (l *Logger) Warn(ctx context.Context, cat Category, msg string, data map[string]any) {
	l.log(ctx, LevelWarn, cat, msg, nil, data)
}

// Error logs at ERROR with an optional cause.
func (l *Logger) Error(ctx context.Context, cat Category, msg string, err error, data map[string]any) {
	l.log(ctx, LevelError, cat, msg, err, data)
}

// Fatal logs at FATAL. The process keeps running; exiting is the caller's
// decision.
func (l *Logger) Fatal(ctx context.Context, cat Category, msg string, err error, data map[string]any) {
	l.log(ctx, LevelFatal, cat, msg, err, data)
}

func (l *Logger) log(ctx context.Context, lvl Level, cat Category, msg string, cause error, data map[string]any) {
	var endpointID string
	rc := RequestFromContext(ctx)
	if rc != nil {
		endpointID = rc.EndpointID
	}
	if lvl < l.cfg.Resolve(cat, endpointID) {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     lvl.String(),
		Category:  string(cat),
		Message:   msg,
		Data:      l.sanitize(data),
		level:     lvl,
	}
	if rc != nil {
		entry.RequestID = rc.RequestID
		entry.EndpointID = rc.EndpointID
		entry.Method = rc.Method
		entry.Path = rc.Path
		if !rc.Start.IsZero() {
			entry.DurationMs = time.Since(rc.Start).Milliseconds()
		}
	}
	if cause != nil {
		entry.Error = &ErrorDetail{
			Message: cause.Error(),
			Name:    fmt.Sprintf("%T", cause),
		}
	}

	l.ring.Append(entry)
	l.broker.Publish(entry)
	l.emit(entry)
}

func (l *Logger) emit(entry Entry) {
	zl := l.json
	if l.cfg.Mode() == ModePretty {
		zl = l.pretty
	}

	ev := zl.WithLevel(zerologLevel(entry.level))
	ev = ev.Str("category", entry.Category)
	if entry.RequestID != "" {
		ev = ev.Str("requestId", entry.RequestID)
	}
	if entry.EndpointID != "" {
		ev = ev.Str("endpointId", entry.EndpointID)
	}
	if entry.Method != "" {
		ev = ev.Str("method", entry.Method)
	}
	if entry.Path != "" {
		ev = ev.Str("path", entry.Path)
	}
	if entry.DurationMs > 0 {
		ev = ev.Int64("durationMs", entry.DurationMs)
	}
	if entry.Error != nil {
		ev = ev.Str("error", entry.Error.Message).Str("errorName", entry.Error.Name)
	}
	if len(entry.Data) > 0 {
		ev = ev.Interface("data", entry.Data)
	}
	ev.Msg(entry.Message)
}

// zerologLevel maps the cascade levels onto zerolog's. FATAL stays a plain
// emission: WithLevel never exits the process.
func zerologLevel(lvl Level) zerolog.Level {
	switch lvl {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	}
	return zerolog.NoLevel
}

// sanitize redacts secret-named keys and truncates long string values,
// recursively. The input is never mutated.
func (l *Logger) sanitize(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	return l.sanitizeMap(data, l.cfg.MaxPayloadBytes())
}

func (l *Logger) sanitizeMap(m map[string]any, maxBytes int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if secretKeyPattern.MatchString(k) {
			out[k] = Redacted
			continue
		}
		out[k] = l.sanitizeValue(v, maxBytes)
	}
	return out
}

func (l *Logger) sanitizeValue(v any, maxBytes int) any {
	switch val := v.(type) {
	case string:
		return Truncate(val, maxBytes)
	case map[string]any:
		return l.sanitizeMap(val, maxBytes)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = l.sanitizeValue(e, maxBytes)
		}
		return out
	}
	return v
}

// Truncate bounds a string to maxBytes, appending a marker carrying the
// original byte length.
func Truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + fmt.Sprintf(" [truncated %dB]", len(s))
}
