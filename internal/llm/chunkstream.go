package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// WordStream emits content one whitespace-delimited word per chunk, sleeping
// delay before each, and finishes with a terminal chunk. Concatenating the
// deltas reproduces content exactly.
type WordStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	words   []string
	pos     int
	delay   time.Duration
	done    bool
	id      string
	model   string
	created int64
	finish  FinishReason
}

// NewWordStream builds a stream over content. The stream stops early with
// ctx's error if ctx is cancelled while waiting between words.
func NewWordStream(ctx context.Context, id, model string, created int64, content string, delay time.Duration) *WordStream {
	ctx, cancel := context.WithCancel(ctx)
	return &WordStream{
		ctx:     ctx,
		cancel:  cancel,
		words:   SplitWords(content),
		delay:   delay,
		id:      id,
		model:   model,
		created: created,
		finish:  FinishStop,
	}
}

// SplitWords splits s after every whitespace rune so that the pieces join
// back to s.
func SplitWords(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if unicode.IsSpace(r) {
			end := i + utf8.RuneLen(r)
			out = append(out, s[start:end])
			start = end
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (s *WordStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	if s.pos >= len(s.words) {
		s.done = true
		return s.chunk("", s.finish), nil
	}

	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return nil, s.ctx.Err()
		case <-t.C:
		}
	}

	word := s.words[s.pos]
	s.pos++
	return s.chunk(word, ""), nil
}

func (s *WordStream) Close() error {
	s.cancel()
	return nil
}

func (s *WordStream) chunk(content string, finish FinishReason) *StreamChunk {
	return &StreamChunk{
		ID:           s.id,
		Object:       objectChunk,
		Created:      s.created,
		Model:        s.model,
		Delta:        Delta{Content: content},
		FinishReason: finish,
	}
}

// Guard enforces the chunk sequence contract on top of any ChunkStream:
// exactly one terminal chunk with an empty delta, nothing after it, and
// ErrStreamTruncated if the inner stream ends before one arrives. A
// terminal chunk that still carries content is split in two.
func Guard(inner ChunkStream) ChunkStream {
	return &guardedStream{inner: inner}
}

type guardedStream struct {
	inner     ChunkStream
	pending   *StreamChunk
	finished  bool
	err       error
	closeOnce sync.Once
	closeErr  error
}

func (g *guardedStream) Recv() (*StreamChunk, error) {
	if g.pending != nil {
		c := g.pending
		g.pending = nil
		g.finished = true
		return c, nil
	}
	if g.finished {
		return nil, io.EOF
	}
	if g.err != nil {
		return nil, g.err
	}

	for {
		c, err := g.inner.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamTruncated
			}
			g.err = err
			return nil, err
		}
		if c == nil {
			continue
		}

		if !c.Terminal() {
			if c.Delta.Content == "" {
				continue
			}
			return c, nil
		}

		if c.Delta.Content != "" {
			terminal := *c
			terminal.Delta = Delta{}
			g.pending = &terminal

			content := *c
			content.FinishReason = ""
			return &content, nil
		}

		g.finished = true
		return c, nil
	}
}

func (g *guardedStream) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.inner.Close()
	})
	return g.closeErr
}

// Collect drains s, returning the concatenated content and the terminal
// finish reason. s is closed before returning.
func Collect(s ChunkStream) (string, FinishReason, error) {
	defer s.Close()

	var b strings.Builder
	var finish FinishReason
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return b.String(), finish, nil
		}
		if err != nil {
			return b.String(), finish, err
		}
		b.WriteString(c.Delta.Content)
		if c.Terminal() {
			finish = c.FinishReason
		}
	}
}
