// Package logging wraps zerolog behind the small surface the rest of the
// module calls through, carrying a trace ID through context the same way
// the request-scoped middleware chain does.
package logging

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	userIDKey
	roleKey
)

// Logger is a process-wide structured logger with a live-adjustable level,
// driven by the scribe verbosity mask.
type Logger struct {
	zl    zerolog.Logger
	level atomic.Int32
	mask  atomic.Int32
}

// New builds a Logger writing to w (os.Stdout in production, a buffer in tests).
func New(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	l := &Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
	l.level.Store(int32(zerolog.InfoLevel))
	return l
}

// SetScribeLevel adjusts verbosity live; mask is a small int (0=quiet ..
// higher=more verbose), mapped onto zerolog levels.
func (l *Logger) SetScribeLevel(mask int) {
	l.mask.Store(int32(mask))
	switch {
	case mask <= 0:
		l.level.Store(int32(zerolog.WarnLevel))
	case mask == 1:
		l.level.Store(int32(zerolog.InfoLevel))
	default:
		l.level.Store(int32(zerolog.DebugLevel))
	}
}

// ScribeLevel reports the mask last passed to SetScribeLevel.
func (l *Logger) ScribeLevel() int { return int(l.mask.Load()) }

func (l *Logger) leveled() *zerolog.Logger {
	lvl := l.zl.Level(zerolog.Level(l.level.Load()))
	return &lvl
}

func NewTraceID() string { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// LogRequest records one completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, d time.Duration) {
	l.leveled().Info().
		Str("trace_id", TraceID(ctx)).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", d).
		Msg("request")
}

// LogSecurityEvent records an auth/authorization relevant event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	e := l.leveled().Warn().Str("trace_id", TraceID(ctx)).Str("event", event)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("security")
}

// WithContext returns an event-builder scoped to ctx's trace ID, for
// chaining further fields before Msg.
func (l *Logger) WithContext(ctx context.Context) *zerolog.Event {
	return l.leveled().Info().Str("trace_id", TraceID(ctx))
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.emit(l.leveled().Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields map[string]interface{})  { l.emit(l.leveled().Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.emit(l.leveled().Warn(), msg, fields) }
func (l *Logger) Error(msg string, err error, fields map[string]interface{}) {
	e := l.leveled().Error()
	if err != nil {
		e = e.Err(err)
	}
	l.emit(e, msg, fields)
}

func (l *Logger) emit(e *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}
