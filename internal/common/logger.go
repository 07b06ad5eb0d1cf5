package common

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

func NewLogger(service, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", service).Logger()
}

func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() && !sc.HasSpanID() {
		return logger
	}
	lc := logger.With()
	if sc.HasTraceID() {
		lc = lc.Str("trace_id", sc.TraceID().String())
	}
	if sc.HasSpanID() {
		lc = lc.Str("span_id", sc.SpanID().String())
	}
	return lc.Logger()
}
