// Package logging builds the gateway's zap logger and carries
// request-scoped loggers through context.Context.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

// Options selects the encoder and level of a logger.
type Options struct {
	Env     string // dev | development selects the console encoder
	Level   string // zap level name; empty keeps the preset's level
	Service string // added to every line as "service" when set
}

// OptionsFromEnv reads ENV, LOG_LEVEL and SERVICE_NAME.
func OptionsFromEnv(getenv func(string) string) Options {
	return Options{
		Env:     getenv("ENV"),
		Level:   getenv("LOG_LEVEL"),
		Service: getenv("SERVICE_NAME"),
	}
}

func (o Options) development() bool {
	env := strings.ToLower(strings.TrimSpace(o.Env))
	return env == "dev" || env == "development"
}

// New builds a logger: JSON to stderr in production, colored console
// output in development.
func New(o Options) (*zap.Logger, error) {
	var cfg zap.Config
	if o.development() {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if o.Level != "" {
		level, err := zapcore.ParseLevel(o.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	if o.Service != "" {
		logger = logger.With(zap.String("service", o.Service))
	}
	return logger, nil
}

// NewLogger builds a logger from the process environment. An unusable
// LOG_LEVEL is reported and ignored.
func NewLogger() *zap.Logger {
	opts := OptionsFromEnv(os.Getenv)
	logger, err := New(opts)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v; falling back to default level\n", err)
		opts.Level = ""
		if logger, err = New(opts); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
			os.Exit(1)
		}
	}
	return logger
}

// DefaultLogger returns the process-wide logger, built on first use.
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewLogger()
	})
	return defaultLogger
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or DefaultLogger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return DefaultLogger()
}

// L is shorthand for FromContext.
func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(fields...))
}
