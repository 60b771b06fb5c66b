package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GenerateStream connects to the upstream with stream=true and returns a
// stream that reads one SSE frame per Recv. Transport retries only apply
// to establishing the connection, never mid-stream.
func (d *Direct) GenerateStream(parentCtx context.Context, req *CompletionRequest) (ChunkStream, error) {
	bodyBytes, err := d.encode(req, true)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("llm stream request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, cancel := context.WithTimeout(parentCtx, d.cfg.UpstreamTimeout)

	resp, err := d.retrier.Do(ctx, d.post(bodyBytes))
	if err != nil {
		cancel()
		d.logger.Error("llm stream connect failed",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, fmt.Errorf("direct: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		return nil, d.upstreamError(resp, req.Model)
	}

	return &sseStream{
		ctx:     ctx,
		cancel:  cancel,
		body:    resp.Body,
		frames:  NewSSEReader(resp.Body),
		model:   req.Model,
		created: time.Now().Unix(),
		logger:  d.logger,
		start:   time.Now(),
	}, nil
}

// sseStream normalizes OpenAI-style SSE frames into StreamChunks.
type sseStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	body    io.ReadCloser
	frames  *SSEReader
	model   string
	created int64
	logger  *zap.Logger
	start   time.Time

	queue      []*StreamChunk
	terminated bool
	done       bool
	chunks     int

	closeOnce sync.Once
}

func (s *sseStream) Recv() (*StreamChunk, error) {
	for {
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			s.chunks++
			return c, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			s.logger.Info("llm stream cancelled",
				zap.String("model", s.model),
				zap.Int("chunks", s.chunks),
				zap.Error(err),
			)
			return nil, err
		}

		payload, err := s.frames.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				if s.terminated {
					s.logger.Info("llm stream completed (EOF)",
						zap.String("model", s.model),
						zap.Int("chunks", s.chunks),
					)
					continue
				}
				return nil, ErrStreamTruncated
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("direct: read stream line: %w", err)
		}

		if IsDone(payload) {
			s.done = true
			if !s.terminated {
				// The sentinel is an authoritative end marker.
				s.terminated = true
				s.queue = append(s.queue, s.chunk(nil, "", FinishStop))
			}
			s.logger.Info("llm stream received [DONE]",
				zap.String("model", s.model),
				zap.Int("chunks", s.chunks),
				zap.Duration("duration", time.Since(s.start)),
			)
			continue
		}

		if s.terminated {
			// Nothing is emitted after the terminal chunk.
			continue
		}

		var chunk providerStreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			s.logger.Debug("skipping malformed stream frame",
				zap.String("model", s.model),
				zap.Error(err),
			)
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			if choice.Delta.Content != "" {
				s.queue = append(s.queue, s.chunk(&chunk, choice.Delta.Content, ""))
			}
			if choice.FinishReason != "" {
				s.terminated = true
				s.queue = append(s.queue, s.chunk(&chunk, "", choice.FinishReason))
				break
			}
		}
	}
}

func (s *sseStream) chunk(src *providerStreamChunk, content string, finish FinishReason) *StreamChunk {
	c := &StreamChunk{
		Object:       objectChunk,
		Created:      s.created,
		Model:        s.model,
		Delta:        Delta{Content: content},
		FinishReason: finish,
	}
	if src != nil {
		c.ID = src.ID
		if src.Model != "" {
			c.Model = src.Model
		}
		if src.Created != 0 {
			c.Created = src.Created
		}
	}
	return c
}

// Close releases the upstream body. Safe to call on every exit path.
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.cancel()
	})
	return err
}
