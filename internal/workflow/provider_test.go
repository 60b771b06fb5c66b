package workflow

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"completion-gateway/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestProvider(t *testing.T, o *fakeOrchestrator, timeout time.Duration) (*Provider, *Hub) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := NewHub(&SSESource{URL: o.srv.URL + "/stream"}, HubConfig{}, logger)
	t.Cleanup(func() { _ = hub.Close() })

	p := NewProvider(Config{
		BaseURL:     o.srv.URL,
		EventKey:    "test-key",
		Timeout:     timeout,
		StreamDelay: -1,
	}, hub, logger)
	return p, hub
}

func userRequest(model, content string) *llm.CompletionRequest {
	return &llm.CompletionRequest{
		Model:    model,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: content}},
	}
}

func TestParseModel(t *testing.T) {
	agent, ok := ParseModel("wf", "wf/AgentX", "default")
	assert.True(t, ok)
	assert.Equal(t, "AgentX", agent)

	agent, ok = ParseModel("wf", "wf/", "default")
	assert.True(t, ok)
	assert.Equal(t, "default", agent)

	_, ok = ParseModel("wf", "gpt-4o", "default")
	assert.False(t, ok)

	_, ok = ParseModel("wf", "openai/gpt-4o", "default")
	assert.False(t, ok)
}

func TestGenerateRoundTrip(t *testing.T) {
	o := newFakeOrchestrator(t, 1)
	p, hub := newTestProvider(t, o, 5*time.Second)

	resp, err := p.Generate(context.Background(), userRequest("wf/Researcher", "find papers"))
	require.NoError(t, err)

	assert.Equal(t, "Researcher says: find papers", resp.Content())
	assert.Equal(t, llm.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	assert.Equal(t, 0, hub.Pending())
}

func TestConcurrentCallsReceiveOwnEvents(t *testing.T) {
	const calls = 4
	o := newFakeOrchestrator(t, calls)
	p, _ := newTestProvider(t, o, 5*time.Second)

	var wg sync.WaitGroup
	results := make([]string, calls)
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := strings.Repeat("x", i+1)
			resp, err := p.Generate(context.Background(), userRequest("wf/A", msg))
			errs[i] = err
			if err == nil {
				results[i] = resp.Content()
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "A says: "+strings.Repeat("x", i+1), results[i])
	}
}

func TestGenerateStreamResplitsContent(t *testing.T) {
	o := newFakeOrchestrator(t, 1)
	p, _ := newTestProvider(t, o, 5*time.Second)

	stream, err := p.GenerateStream(context.Background(), userRequest("wf/Writer", "a short poem"))
	require.NoError(t, err)

	var chunks []*llm.StreamChunk
	for {
		c, err := stream.Recv()
		if err != nil {
			require.True(t, errors.Is(err, io.EOF), "unexpected error: %v", err)
			break
		}
		chunks = append(chunks, c)
	}
	require.NoError(t, stream.Close())

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.True(t, last.Terminal())
	assert.Empty(t, last.Delta.Content)

	var b strings.Builder
	for _, c := range chunks[:len(chunks)-1] {
		assert.False(t, c.Terminal())
		b.WriteString(c.Delta.Content)
	}
	assert.Equal(t, "Writer says: a short poem", b.String())
	assert.Len(t, chunks, len(llm.SplitWords("Writer says: a short poem"))+1)
}

func TestGenerateRequiresUserMessage(t *testing.T) {
	o := newFakeOrchestrator(t, 1)
	p, hub := newTestProvider(t, o, time.Second)

	_, err := p.Generate(context.Background(), &llm.CompletionRequest{
		Model:    "wf/A",
		Messages: []llm.ChatMessage{{Role: llm.RoleSystem, Content: "only system"}},
	})
	assert.ErrorIs(t, err, llm.ErrNoUserMessage)
	assert.Equal(t, 0, hub.Pending())
}

func TestSubmitRejected(t *testing.T) {
	o := newFakeOrchestrator(t, 1)
	o.submitStatus = http.StatusInternalServerError
	o.submitBody = `{"error":"queue unavailable"}`
	p, hub := newTestProvider(t, o, time.Second)

	_, err := p.Generate(context.Background(), userRequest("wf/A", "hi"))

	var uerr *llm.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusInternalServerError, uerr.StatusCode)
	assert.Contains(t, uerr.Body, "queue unavailable")
	assert.Equal(t, 0, hub.Pending())
}

func TestSubmitRetriesTransientRejection(t *testing.T) {
	o := newFakeOrchestrator(t, 1)
	o.failFirst = 1
	logger := zaptest.NewLogger(t)
	hub := NewHub(&SSESource{URL: o.srv.URL + "/stream"}, HubConfig{}, logger)
	t.Cleanup(func() { _ = hub.Close() })

	p := NewProvider(Config{
		BaseURL:       o.srv.URL,
		EventKey:      "test-key",
		Timeout:       5 * time.Second,
		StreamDelay:   -1,
		SubmitRetries: 1,
	}, hub, logger)

	resp, err := p.Generate(context.Background(), userRequest("wf/A", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "A says: hi", resp.Content())

	o.mu.Lock()
	defer o.mu.Unlock()
	require.Len(t, o.seenIDs, 2)
	assert.NotEmpty(t, o.seenIDs[0])
	assert.Equal(t, o.seenIDs[0], o.seenIDs[1], "re-sent submission must keep its event id")
}

func TestSubmitWithoutEventID(t *testing.T) {
	o := newFakeOrchestrator(t, 1)
	o.submitBody = `{"status":200}`
	p, _ := newTestProvider(t, o, time.Second)

	_, err := p.Generate(context.Background(), userRequest("wf/A", "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no event id")
}

func TestStreamClosesWithoutMatch(t *testing.T) {
	o := newFakeOrchestrator(t, 1000)
	src := &chanSource{ch: make(chan []byte)}
	hub := NewHub(src, HubConfig{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = hub.Close() })

	p := NewProvider(Config{BaseURL: o.srv.URL, EventKey: "test-key", Timeout: 5 * time.Second}, hub, zaptest.NewLogger(t))

	go func() {
		src.ch <- []byte(`{"data":{"conversation_ref":"unrelated","content":"x"}}`)
		close(src.ch)
	}()

	_, err := p.Generate(context.Background(), userRequest("wf/A", "hi"))
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Equal(t, 0, hub.Pending())
}

func TestCorrelationTimeout(t *testing.T) {
	o := newFakeOrchestrator(t, 1000)
	p, hub := newTestProvider(t, o, 50*time.Millisecond)

	_, err := p.Generate(context.Background(), userRequest("wf/A", "hi"))
	assert.ErrorIs(t, err, ErrCorrelationTimeout)
	assert.Equal(t, 0, hub.Pending())
}

func TestHubRejectsDuplicateCorrelationID(t *testing.T) {
	hub := NewHub(&chanSource{ch: make(chan []byte)}, HubConfig{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = hub.Close() })

	w, err := hub.Subscribe("same")
	require.NoError(t, err)
	defer w.Cancel()

	_, err = hub.Subscribe("same")
	assert.Error(t, err)
}

func TestHubCloseFailsPendingWaiters(t *testing.T) {
	hub := NewHub(&chanSource{ch: make(chan []byte)}, HubConfig{}, zaptest.NewLogger(t))

	w, err := hub.Subscribe("abc")
	require.NoError(t, err)

	require.NoError(t, hub.Close())

	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestFirstCallSeesImmediateReply(t *testing.T) {
	o := newLiveOrchestrator(t, 50*time.Millisecond)
	logger := zaptest.NewLogger(t)
	hub := NewHub(&SSESource{URL: o.srv.URL + "/stream"}, HubConfig{}, logger)
	t.Cleanup(func() { _ = hub.Close() })

	p := NewProvider(Config{
		BaseURL:     o.srv.URL,
		EventKey:    "test-key",
		Timeout:     2 * time.Second,
		StreamDelay: -1,
	}, hub, logger)

	resp, err := p.Generate(context.Background(), userRequest("wf/A", "first"))
	require.NoError(t, err)
	assert.Equal(t, "live: first", resp.Content())
}

func TestSubscribeReturnsOpenError(t *testing.T) {
	hub := NewHub(&SSESource{}, HubConfig{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = hub.Close() })

	_, err := hub.Subscribe("abc")
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Equal(t, 0, hub.Pending())
}
