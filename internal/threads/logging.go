package threads

import (
	"context"
	"errors"
	"io"
	"time"

	"completion-gateway/internal/metrics"
	"completion-gateway/pkg/logging/logging"

	"go.uber.org/zap"
)

// LoggingStore wraps a Store with logging + metrics.
type LoggingStore struct {
	inner Store
}

func NewLoggingStore(inner Store) *LoggingStore {
	return &LoggingStore{inner: inner}
}

func (s *LoggingStore) CreateThread(ctx context.Context, ownerID string) (string, error) {
	start := time.Now()
	ref, err := s.inner.CreateThread(ctx, ownerID)
	observe(ctx, "create_thread", start, err,
		zap.String("thread_ref", ref),
		zap.String("user_id", ownerID),
	)
	return ref, err
}

func (s *LoggingStore) VerifyOwnership(ctx context.Context, threadRef, ownerID string) error {
	start := time.Now()
	err := s.inner.VerifyOwnership(ctx, threadRef, ownerID)
	observe(ctx, "verify_ownership", start, err,
		zap.String("thread_ref", threadRef),
		zap.String("user_id", ownerID),
	)
	return err
}

func (s *LoggingStore) Append(ctx context.Context, threadRef string, msg Message) (string, error) {
	start := time.Now()
	id, err := s.inner.Append(ctx, threadRef, msg)
	observe(ctx, "append", start, err,
		zap.String("thread_ref", threadRef),
		zap.String("message_id", id),
		zap.String("role", msg.Role),
	)
	return id, err
}

func (s *LoggingStore) Messages(ctx context.Context, threadRef string) ([]Message, error) {
	start := time.Now()
	msgs, err := s.inner.Messages(ctx, threadRef)
	observe(ctx, "messages", start, err,
		zap.String("thread_ref", threadRef),
		zap.Int("count", len(msgs)),
	)
	return msgs, err
}

func observe(ctx context.Context, op string, start time.Time, err error, fields ...zap.Field) {
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	result := resultOf(err)
	metrics.ThreadStoreOpsTotal.WithLabelValues(op, result).Inc()

	fields = append(fields,
		zap.String("thread_result", result), // ok | not_found | denied | error
		zap.Float64("latency_ms", latencyMs),
	)

	logger := logging.FromContext(ctx)
	event := "thread_store_" + op
	if result == "error" {
		logger.Error(event, append(fields, zap.Error(err))...)
		return
	}
	logger.Info(event, fields...)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrThreadNotFound):
		return "not_found"
	case errors.Is(err, ErrAccessDenied):
		return "denied"
	default:
		return "error"
	}
}

// Close closes the wrapped store when it holds resources.
func (s *LoggingStore) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
