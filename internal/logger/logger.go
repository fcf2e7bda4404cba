// Package logger builds the zerolog loggers used by the binaries.
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// New returns a JSON logger tagged with service. Unknown levels fall back to info.
func New(service, level string, w io.Writer) *zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	l := zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", service).
		Logger()
	return &l
}

// Console returns a human readable logger for CLI output.
func Console(w io.Writer) *zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).With().Timestamp().Logger()
	return &l
}

// WithContext adds the trace and span ids of the span in ctx, if any.
func WithContext(ctx context.Context, l *zerolog.Logger) *zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	updated := l.With().
		Str("traceID", sc.TraceID().String()).
		Str("spanID", sc.SpanID().String()).
		Logger()
	return &updated
}

// WithField returns a child logger carrying key.
func WithField(l *zerolog.Logger, key string, value any) *zerolog.Logger {
	updated := l.With().Interface(key, value).Logger()
	return &updated
}

// WithError returns a child logger carrying err.
func WithError(l *zerolog.Logger, err error) *zerolog.Logger {
	updated := l.With().Err(err).Logger()
	return &updated
}
