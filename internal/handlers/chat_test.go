package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"completion-gateway/internal/gateway"
	"completion-gateway/internal/llm"
	"completion-gateway/internal/records"
	"completion-gateway/internal/threads"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestHandler(t *testing.T) (*ChatHandler, *threads.MemoryStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mock := llm.NewMock(llm.MockConfig{StreamDelay: -1}, logger)
	sel := gateway.NewSelector(mock, nil, nil, nil)
	ts := threads.NewMemoryStore(0)
	t.Cleanup(func() { ts.Close() })

	gw := gateway.New(gateway.Config{}, sel, records.NewMemoryStore(), ts, logger)
	return NewChatHandler(gw, "vtest"), ts
}

func postJSON(t *testing.T, h http.HandlerFunc, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestChatHandlerNonStream(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := postJSON(t, h.ChatCompletion, "user-42", llm.CompletionRequest{
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp llm.CompletionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, llm.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Contains(t, resp.Content(), `"hi"`)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	// the record is retrievable by its owner only
	get := func(userID string) int {
		r := httptest.NewRequest(http.MethodGet, "/v1/completions/"+resp.ID, nil)
		r.Header.Set("X-User-ID", userID)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("id", resp.ID)
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		w := httptest.NewRecorder()
		h.GetCompletion(w, r)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, get("user-42"))
	assert.Equal(t, http.StatusNotFound, get("someone-else"))
}

func TestChatHandlerStream(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := postJSON(t, h.ChatCompletion, "user-stream", llm.CompletionRequest{
		Stream:   true,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "stream please"}},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.Equal(t, "data: [DONE]", frames[len(frames)-1], body)

	var content strings.Builder
	var last llm.StreamChunk
	for _, f := range frames[:len(frames)-1] {
		require.True(t, strings.HasPrefix(f, "data: "), "unexpected frame %q", f)
		var c llm.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(f, "data: ")), &c))
		content.WriteString(c.Delta.Content)
		last = c
	}
	assert.Equal(t, llm.FinishStop, last.FinishReason)
	assert.Empty(t, last.Delta.Content)
	assert.Equal(t, llm.MockContent(&llm.CompletionRequest{
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "stream please"}},
	}), content.String())
}

func TestChatHandlerErrors(t *testing.T) {
	h, ts := newTestHandler(t)

	owned, err := ts.CreateThread(context.Background(), "owner")
	require.NoError(t, err)

	tests := []struct {
		name   string
		user   string
		body   interface{}
		status int
	}{
		{"empty messages", "u", llm.CompletionRequest{}, http.StatusBadRequest},
		{"bad role", "u", llm.CompletionRequest{Messages: []llm.ChatMessage{{Role: "robot", Content: "x"}}}, http.StatusBadRequest},
		{"unknown thread", "u", llm.CompletionRequest{
			ThreadRef: "missing",
			Messages:  []llm.ChatMessage{{Role: llm.RoleUser, Content: "x"}},
		}, http.StatusNotFound},
		{"foreign thread", "intruder", llm.CompletionRequest{
			ThreadRef: owned,
			Messages:  []llm.ChatMessage{{Role: llm.RoleUser, Content: "x"}},
		}, http.StatusForbidden},
		{"foreign thread stream", "intruder", llm.CompletionRequest{
			Stream:    true,
			ThreadRef: owned,
			Messages:  []llm.ChatMessage{{Role: llm.RoleUser, Content: "x"}},
		}, http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := postJSON(t, h.ChatCompletion, tc.user, tc.body)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())

			var eb errorBody
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &eb))
			assert.NotEmpty(t, eb.Error.Message)
			assert.NotEmpty(t, eb.Error.Type)
		})
	}
}

func TestChatHandlerInvalidJSON(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ChatCompletion(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListModels(t *testing.T) {
	h, _ := newTestHandler(t)

	rr := httptest.NewRecorder()
	h.ListModels(rr, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var list modelList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.NotEmpty(t, list.Data)
	for _, m := range list.Data {
		assert.Equal(t, llm.FamilyMock, m.Family)
	}
}
