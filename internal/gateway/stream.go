package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"completion-gateway/internal/llm"
	"completion-gateway/internal/metrics"
	"completion-gateway/internal/records"

	"go.uber.org/zap"
)

// recordingStream rewrites chunk identity to the gateway's and persists the
// outcome once.
type recordingStream struct {
	ctx     context.Context
	inner   llm.ChunkStream
	gateway *Gateway
	logger  *zap.Logger
	family  string
	record  *records.Record
	start   time.Time

	content   strings.Builder
	chunks    int
	once      sync.Once
	closeOnce sync.Once
	closeErr  error
}

func (s *recordingStream) Recv() (*llm.StreamChunk, error) {
	c, err := s.inner.Recv()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.finish("", err)
		}
		return nil, err
	}

	c.ID = s.record.ID
	c.Model = s.record.Model
	if c.Created == 0 {
		c.Created = s.start.Unix()
	}

	s.content.WriteString(c.Delta.Content)
	s.chunks++
	metrics.StreamChunksTotal.WithLabelValues(s.family).Inc()

	if c.Terminal() {
		s.finish(c.FinishReason, nil)
	}
	return c, nil
}

func (s *recordingStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.inner.Close()
		s.finish("", ErrStreamAbandoned)
	})
	return s.closeErr
}

// finish writes the record for the first outcome observed.
func (s *recordingStream) finish(reason llm.FinishReason, err error) {
	s.once.Do(func() {
		g := s.gateway
		rec := s.record
		elapsed := g.now().Sub(s.start)
		metrics.CompletionLatencySeconds.WithLabelValues(s.family).Observe(elapsed.Seconds())

		if err != nil {
			metrics.CompletionsTotal.WithLabelValues(s.family, "error").Inc()
			s.logger.Warn("stream failed", zap.Int("chunks", s.chunks), zap.Error(err))
			rec.Error = errorPayload(err)
			g.writeRecord(s.ctx, s.logger, rec)
			return
		}

		content := s.content.String()
		usage := llm.EstimateUsage(rec.Request.Messages, content)
		completed := g.now().UTC()
		rec.Response = llm.NewResponse(rec.ID, s.start.Unix(), rec.Model, content, reason, usage)
		rec.CompletedAt = &completed
		g.writeRecord(s.ctx, s.logger, rec)

		metrics.CompletionsTotal.WithLabelValues(s.family, "success").Inc()
		s.logger.Info("stream completed",
			zap.Int("chunks", s.chunks),
			zap.Int("completion_tokens", usage.CompletionTokens),
			zap.Duration("duration", elapsed),
		)
	})
}
