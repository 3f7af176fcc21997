package observability

import (
	"context"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

type ctxLogger struct{}

// NewLogger builds the service's JSON logger on stdout. An unrecognised
// level falls back to info.
//
// Levels are used as follows:
//   - error: store failures, recovered panics and 5xx responses
//   - warn:  4xx responses, denied role checks, failed notification or audit delivery
//   - info:  request completion, workflow creation, stage transitions, catalog load
//   - debug: directory cache hits and misses, idempotent replays
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if parsed, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}

	return zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    jsonEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	return enc
}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxLogger{}, logger)
}

// LoggerFrom returns the logger attached to ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, _ := ctx.Value(ctxLogger{}).(*zap.Logger); logger != nil {
		return logger
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller identity
// and correlation data of the current request.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	if rc := model.RequestContextFrom(ctx); rc != nil {
		return logger.With(callerFields(rc)...)
	}
	return logger
}

// callerFields always carries subject and correlation ID. Role and trace ID
// are added only when known.
func callerFields(rc *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("subject_id", rc.SubjectID),
		zap.String("correlation_id", rc.CorrelationID),
	)
	if rc.HasTokenRole() {
		fields = append(fields, zap.String("role", rc.Role))
	}
	if rc.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rc.TraceID))
	}
	return fields
}

// MetadataKeys lists the keys of workflow metadata in sorted order. Values
// are supplied by callers and stay out of the logs.
func MetadataKeys(metadata map[string]any) []string {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
