package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"completion-gateway/internal/llm"

	"github.com/nats-io/nats.go"
)

// EventSource opens the shared, out-of-band event stream that workflow
// results are published on.
type EventSource interface {
	Open(ctx context.Context) (EventReader, error)
}

// EventReader yields raw event payloads until the stream closes (io.EOF)
// or fails.
type EventReader interface {
	Next() ([]byte, error)
	Close() error
}

// SSESource reads events from a server-sent-events endpoint.
type SSESource struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
}

func (s *SSESource) Open(ctx context.Context) (EventReader, error) {
	if s.URL == "" {
		return nil, errors.New("workflow: event stream URL is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("workflow: build stream request: %w", err)
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow: open event stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, &llm.UpstreamError{
			Provider:   "workflow stream",
			StatusCode: resp.StatusCode,
			Body:       readBody(resp),
		}
	}

	return &sseReader{body: resp, frames: llm.NewSSEReader(resp.Body)}, nil
}

type sseReader struct {
	body   *http.Response
	frames *llm.SSEReader
}

func (r *sseReader) Next() ([]byte, error) {
	for {
		payload, err := r.frames.Next()
		if err != nil {
			return nil, err
		}
		if len(payload) == 0 || llm.IsDone(payload) {
			continue
		}
		return payload, nil
	}
}

func (r *sseReader) Close() error {
	return r.body.Body.Close()
}

// NATSSource subscribes to a NATS subject carrying workflow events.
type NATSSource struct {
	Conn    *nats.Conn
	Subject string
	Buffer  int
}

func (s *NATSSource) Open(ctx context.Context) (EventReader, error) {
	if s.Conn == nil {
		return nil, errors.New("workflow: nats connection is required")
	}
	buf := s.Buffer
	if buf <= 0 {
		buf = 256
	}

	r := &natsReader{
		ctx:    ctx,
		msgs:   make(chan []byte, buf),
		closed: make(chan struct{}),
	}
	sub, err := s.Conn.Subscribe(s.Subject, func(msg *nats.Msg) {
		select {
		case r.msgs <- msg.Data:
		case <-r.closed:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: subscribe %s: %w", s.Subject, err)
	}
	sub.SetClosedHandler(func(_ string) { r.markClosed() })
	r.sub = sub
	return r, nil
}

type natsReader struct {
	ctx       context.Context
	sub       *nats.Subscription
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (r *natsReader) Next() ([]byte, error) {
	select {
	case data := <-r.msgs:
		return data, nil
	case <-r.closed:
		return nil, errEventStreamClosed
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}

func (r *natsReader) markClosed() {
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *natsReader) Close() error {
	err := r.sub.Unsubscribe()
	r.markClosed()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}
