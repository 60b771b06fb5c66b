package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeOrchestrator accepts job submissions and publishes their replies on
// a shared SSE stream. Replies are held until holdFor submissions have
// arrived and are then published in reverse order, preceded by noise.
type fakeOrchestrator struct {
	t       *testing.T
	srv     *httptest.Server
	events  chan string
	holdFor int

	mu      sync.Mutex
	pending []submitRequest
	count   int

	submitStatus int
	submitBody   string
	failFirst    int      // leading submissions answered with 503
	seenIDs      []string // event ids of every submission attempt
}

func newFakeOrchestrator(t *testing.T, holdFor int) *fakeOrchestrator {
	t.Helper()
	o := &fakeOrchestrator{
		t:       t,
		events:  make(chan string, 64),
		holdFor: holdFor,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/e/test-key", o.handleSubmit)
	mux.HandleFunc("/stream", o.handleStream)
	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.srv.Close)
	return o
}

func (o *fakeOrchestrator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	o.mu.Lock()
	o.seenIDs = append(o.seenIDs, req.ID)
	fail := len(o.seenIDs) <= o.failFirst
	o.mu.Unlock()
	if fail {
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}

	if o.submitStatus != 0 {
		w.WriteHeader(o.submitStatus)
		_, _ = w.Write([]byte(o.submitBody))
		return
	}
	if o.submitBody != "" {
		_, _ = w.Write([]byte(o.submitBody))
		return
	}

	o.mu.Lock()
	o.count++
	id := fmt.Sprintf("evt-%d", o.count)
	o.pending = append(o.pending, req)
	var release []submitRequest
	if len(o.pending) >= o.holdFor {
		release = o.pending
		o.pending = nil
	}
	o.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"ids":[%q],"status":200}`, id)

	if release != nil {
		o.events <- `{"name":"agent/response","data":{"conversation_ref":"someone-else","content":"noise"}}`
		o.events <- `not json at all`
		for i := len(release) - 1; i >= 0; i-- {
			o.publishReply(release[i])
		}
	}
}

func (o *fakeOrchestrator) publishReply(req submitRequest) {
	payload, _ := json.Marshal(map[string]any{
		"name": "agent/response",
		"data": map[string]any{
			"conversation_ref": req.Data.ConversationRef,
			"content":          fmt.Sprintf("%s says: %s", req.Data.Agent, req.Data.Message),
		},
	})
	o.events <- string(payload)
}

func (o *fakeOrchestrator) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-o.events:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", ev)
			flusher.Flush()
		}
	}
}

// chanSource is an in-memory EventSource.
type chanSource struct {
	ch chan []byte
}

func (s *chanSource) Open(ctx context.Context) (EventReader, error) {
	return &chanReader{ctx: ctx, ch: s.ch}, nil
}

type chanReader struct {
	ctx context.Context
	ch  chan []byte
}

func (r *chanReader) Next() ([]byte, error) {
	select {
	case b, ok := <-r.ch:
		if !ok {
			return nil, errEventStreamClosed
		}
		return b, nil
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}

func (r *chanReader) Close() error { return nil }

// liveOrchestrator publishes each reply immediately and only to stream
// connections that are already open. Nothing is replayed. Stream
// connections are accepted after connectDelay.
type liveOrchestrator struct {
	srv          *httptest.Server
	connectDelay time.Duration

	mu      sync.Mutex
	clients map[chan string]struct{}
}

func newLiveOrchestrator(t *testing.T, connectDelay time.Duration) *liveOrchestrator {
	t.Helper()
	o := &liveOrchestrator{
		connectDelay: connectDelay,
		clients:      map[chan string]struct{}{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/e/test-key", o.handleSubmit)
	mux.HandleFunc("/stream", o.handleStream)
	o.srv = httptest.NewServer(mux)
	t.Cleanup(o.srv.Close)
	return o
}

func (o *liveOrchestrator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"name": "agent/response",
		"data": map[string]any{
			"conversation_ref": req.Data.ConversationRef,
			"content":          "live: " + req.Data.Message,
		},
	})

	o.mu.Lock()
	for c := range o.clients {
		select {
		case c <- string(payload):
		default:
		}
	}
	o.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, `{"ids":["evt-live"],"status":200}`)
}

func (o *liveOrchestrator) handleStream(w http.ResponseWriter, r *http.Request) {
	time.Sleep(o.connectDelay)

	events := make(chan string, 16)
	o.mu.Lock()
	o.clients[events] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.clients, events)
		o.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			_, _ = fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
	}
}
