package httpserver

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"completion-gateway/internal/gateway"
	"completion-gateway/internal/handlers"
	"completion-gateway/internal/llm"
	"completion-gateway/internal/records"
)

func newRouter(t *testing.T) *chi.Mux {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sel := gateway.NewSelector(llm.NewMock(llm.MockConfig{StreamDelay: -1}, logger), nil, nil, nil)
	gw := gateway.New(gateway.Config{}, sel, records.NewMemoryStore(), nil, logger)

	r := chi.NewRouter()
	SetupRouter(r, logger, handlers.NewChatHandler(gw, "vtest"))
	return r
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(newRouter(t))
	t.Cleanup(srv.Close)
	return srv
}

func TestRouterEndToEnd(t *testing.T) {
	srv := newServer(t)

	body := `{"messages":[{"role":"user","content":"ping"}]}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out llm.CompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	get, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/completions/"+out.ID, nil)
	require.NoError(t, err)
	get.Header.Set("X-User-ID", "alice")

	recResp, err := http.DefaultClient.Do(get)
	require.NoError(t, err)
	defer recResp.Body.Close()
	assert.Equal(t, http.StatusOK, recResp.StatusCode, "owner should fetch the record")
}

func TestRouterStreamsThroughMiddleware(t *testing.T) {
	srv := newServer(t)

	body := `{"stream":true,"messages":[{"role":"user","content":"ping"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var last string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			last = line
		}
	}
	assert.Equal(t, "data: [DONE]", last)
}

func TestRouterRejectsOversizedBody(t *testing.T) {
	r := newRouter(t)

	big := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", 600*1024) + `"}]}`
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(big)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestHealthz(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
