package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"completion-gateway/internal/metrics"

	"github.com/alphadose/haxmap"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	// ErrNoResponse is returned when the shared event stream closes before
	// an event for the waiting correlation id arrives.
	ErrNoResponse = errors.New("workflow: no response received")

	errEventStreamClosed = errors.New("workflow: event stream closed")
)

// Event is a workflow result matched to a correlation id.
type Event struct {
	CorrelationID string
	Content       string
	Raw           []byte
}

type HubConfig struct {
	// CorrelationPath is the gjson path of the correlation id inside an
	// event payload (default: data.conversation_ref).
	CorrelationPath string
	// ContentPath is the gjson path of the reply text (default: data.content).
	ContentPath string
}

// Hub owns the single reader of the shared event stream and delivers each
// event to the waiter registered for its correlation id. The stream is
// opened when the first waiter registers and reopened on demand after it
// closes.
type Hub struct {
	source   EventSource
	corrPath string
	textPath string
	logger   *zap.Logger

	waiters *haxmap.Map[string, *Waiter]

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewHub(source EventSource, cfg HubConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CorrelationPath == "" {
		cfg.CorrelationPath = "data.conversation_ref"
	}
	if cfg.ContentPath == "" {
		cfg.ContentPath = "data.content"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		source:   source,
		corrPath: cfg.CorrelationPath,
		textPath: cfg.ContentPath,
		logger:   logger.Named("hub"),
		waiters:  haxmap.New[string, *Waiter](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Waiter is a one-shot rendezvous for a single correlation id.
type Waiter struct {
	id     string
	hub    *Hub
	result chan waitResult
	once   sync.Once
}

type waitResult struct {
	event Event
	err   error
}

func (w *Waiter) resolve(r waitResult) {
	w.once.Do(func() { w.result <- r })
}

// Wait blocks until the matching event arrives, the stream fails, or ctx
// is done.
func (w *Waiter) Wait(ctx context.Context) (Event, error) {
	select {
	case r := <-w.result:
		return r.event, r.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Cancel deregisters the waiter. Safe to call after delivery.
func (w *Waiter) Cancel() {
	if _, ok := w.hub.waiters.GetAndDel(w.id); ok {
		metrics.WorkflowPendingWaiters.Dec()
	}
}

// Subscribe registers a waiter for correlationID and makes sure the reader
// is connected. The event stream is open by the time Subscribe returns, so
// a job submitted afterwards cannot have its result published unseen. An
// open failure is returned and no waiter is registered.
func (h *Hub) Subscribe(correlationID string) (*Waiter, error) {
	w := &Waiter{
		id:     correlationID,
		hub:    h,
		result: make(chan waitResult, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ctx.Err(); err != nil {
		return nil, fmt.Errorf("workflow: hub closed: %w", err)
	}
	if _, exists := h.waiters.Get(correlationID); exists {
		return nil, fmt.Errorf("workflow: correlation id %s already pending", correlationID)
	}

	if !h.running {
		reader, err := h.source.Open(h.ctx)
		if err != nil {
			h.logger.Error("workflow event stream open failed", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
		}
		h.logger.Debug("workflow event stream opened")
		h.running = true
		h.wg.Add(1)
		go h.run(reader)
	}

	h.waiters.Set(correlationID, w)
	metrics.WorkflowPendingWaiters.Inc()
	return w, nil
}

// Pending returns the number of registered waiters.
func (h *Hub) Pending() int {
	return int(h.waiters.Len())
}

func (h *Hub) run(reader EventReader) {
	defer h.wg.Done()

	err := h.consume(reader)
	_ = reader.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false

	cause := ErrNoResponse
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, errEventStreamClosed) {
		cause = fmt.Errorf("%w: %w", ErrNoResponse, err)
	}

	var ids []string
	h.waiters.ForEach(func(id string, _ *Waiter) bool {
		ids = append(ids, id)
		return true
	})

	failed := 0
	for _, id := range ids {
		if w, ok := h.waiters.GetAndDel(id); ok {
			metrics.WorkflowPendingWaiters.Dec()
			w.resolve(waitResult{err: cause})
			failed++
		}
	}

	h.logger.Info("workflow event stream ended",
		zap.Int("failed_waiters", failed),
		zap.Error(err),
	)
}

func (h *Hub) consume(reader EventReader) error {
	for {
		payload, err := reader.Next()
		if err != nil {
			return err
		}

		if !gjson.ValidBytes(payload) {
			h.logger.Debug("skipping malformed workflow event")
			continue
		}

		id := gjson.GetBytes(payload, h.corrPath).String()
		if id == "" {
			continue
		}

		w, ok := h.waiters.GetAndDel(id)
		if !ok {
			// Belongs to another gateway instance or an abandoned call.
			continue
		}
		metrics.WorkflowPendingWaiters.Dec()

		raw := make([]byte, len(payload))
		copy(raw, payload)
		w.resolve(waitResult{event: Event{
			CorrelationID: id,
			Content:       gjson.GetBytes(payload, h.textPath).String(),
			Raw:           raw,
		}})
	}
}

// Close stops the reader and fails every pending waiter.
func (h *Hub) Close() error {
	// Cancel first so an Open blocked under mu is aborted.
	h.cancel()
	h.mu.Lock()
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}
