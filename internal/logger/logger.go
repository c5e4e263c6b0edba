package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const loggerKey contextKey = "logger"

// PrepareLogger builds a logger from COMPOSER_ENV and stores it in ctx,
// returning both the new context and the logger itself.
func PrepareLogger(ctx context.Context) (context.Context, *zap.Logger) {
	logger := NewLoggerFromEnv()
	return context.WithValue(ctx, loggerKey, logger), logger
}

// GetLogger retrieves the logger carried by ctx, falling back to a
// production logger if ctx is nil or carries none. Never returns nil.
func GetLogger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return NewProductionLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return NewProductionLogger()
}

// WithFields returns a context carrying a sub-logger of the current one,
// annotated with fields.
//
//	ctx = logger.WithFields(ctx, zap.String("connector_id", id))
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	sub := GetLogger(ctx).With(fields...)
	return context.WithValue(ctx, loggerKey, sub)
}

// WithComponent annotates the context's logger with a "component" field.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithFields(ctx, zap.String("component", component))
}

// loggerConfig builds a zap logger from config, falling back to a no-op
// logger if the config fails to build (should not happen for the two
// static configs below).
func loggerConfig(config zap.Config) *zap.Logger {
	built, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return built
}

// NewProductionLogger logs INFO and above to stderr as JSON, with an
// ISO8601 timestamp field.
func NewProductionLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return loggerConfig(config)
}

// NewDevelopmentLogger logs DEBUG and above to stderr in a colorized,
// human-readable console format.
func NewDevelopmentLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return loggerConfig(config)
}

// NewLoggerFromEnv picks a development or production logger based on
// COMPOSER_ENV ("development"/"dev" selects development).
func NewLoggerFromEnv() *zap.Logger {
	switch os.Getenv("COMPOSER_ENV") {
	case "development", "dev":
		return NewDevelopmentLogger()
	default:
		return NewProductionLogger()
	}
}

// Sync flushes the context logger's buffered entries; call before exit.
func Sync(ctx context.Context) error {
	return GetLogger(ctx).Sync()
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger(ctx).Fatal(msg, fields...)
}

func Fatalf(ctx context.Context, format string, args ...interface{}) {
	GetLogger(ctx).Fatal(fmt.Sprintf(format, args...))
}

// WithLogger stores an already-built logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
