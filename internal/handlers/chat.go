package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"completion-gateway/internal/gateway"
	"completion-gateway/internal/llm"
	"completion-gateway/internal/records"
	"completion-gateway/pkg/logging/logging"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Completions is the gateway surface the HTTP layer adapts.
type Completions interface {
	CreateCompletion(ctx context.Context, req *llm.CompletionRequest, caller gateway.Caller) (*llm.CompletionResponse, *records.Record, error)
	CreateStreamingCompletion(ctx context.Context, req *llm.CompletionRequest, caller gateway.Caller) (llm.ChunkStream, error)
	GetAvailableModels(ctx context.Context) []llm.ProviderDescriptor
	GetCompletion(ctx context.Context, id string, caller gateway.Caller) (*records.Record, error)
}

// ChatHandler holds dependencies for the /v1 endpoints.
type ChatHandler struct {
	Gateway   Completions
	VersionID string
}

func NewChatHandler(gw Completions, versionID string) *ChatHandler {
	return &ChatHandler{
		Gateway:   gw,
		VersionID: versionID,
	}
}

// callerFrom reads the identity set by the upstream auth layer.
func callerFrom(r *http.Request) gateway.Caller {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anon"
	}
	return gateway.Caller{ID: userID, Role: r.Header.Get("X-User-Role")}
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	caller := callerFrom(r)
	logger := logging.L(ctx).With(zap.String("user_id", caller.ID))

	var req llm.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, gateway.TypeInvalidRequest, "request body too large")
			return
		}
		logger.Warn("invalid request", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, gateway.TypeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}

	if req.Stream {
		h.stream(w, r, &req, caller, logger, start)
		return
	}

	resp, _, err := h.Gateway.CreateCompletion(ctx, &req, caller)
	if err != nil {
		h.fail(w, logger, err)
		return
	}

	logger.Info("chat_completion",
		zap.String("completion_id", resp.ID),
		zap.String("model", resp.Model),
		zap.Bool("stream", false),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, req *llm.CompletionRequest, caller gateway.Caller, logger *zap.Logger, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, gateway.TypeInternal, "streaming unsupported")
		return
	}

	stream, err := h.Gateway.CreateStreamingCompletion(r.Context(), req, caller)
	if err != nil {
		h.fail(w, logger, err)
		return
	}
	defer stream.Close()

	// Pull the first chunk before committing to an event stream so an
	// early failure still gets a proper status code.
	first, err := stream.Recv()
	if err != nil {
		h.fail(w, logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	chunks := 0
	for c := first; ; {
		if err := writeEvent(w, c); err != nil {
			logger.Warn("stream_write_error", zap.Error(err))
			return
		}
		flusher.Flush()
		chunks++

		c, err = stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			typ, _ := gateway.Classify(err)
			logger.Warn("stream_error", zap.Int("chunks", chunks), zap.Error(err))
			_ = writeEvent(w, errorBody{Error: errorDetail{Message: err.Error(), Type: typ}})
			flusher.Flush()
			return
		}
	}

	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()

	logger.Info("chat_completion",
		zap.String("completion_id", first.ID),
		zap.String("model", first.Model),
		zap.Bool("stream", true),
		zap.Int("chunks", chunks),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
}

// ListModels handles GET /v1/models.
func (h *ChatHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.Gateway.GetAvailableModels(r.Context())
	h.writeJSON(w, http.StatusOK, modelList{Object: "list", Data: models})
}

// GetCompletion handles GET /v1/completions/{id}.
func (h *ChatHandler) GetCompletion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.Gateway.GetCompletion(r.Context(), id, callerFrom(r))
	if err != nil {
		h.fail(w, logging.L(r.Context()), err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

type modelList struct {
	Object string                   `json:"object"`
	Data   []llm.ProviderDescriptor `json:"data"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (h *ChatHandler) fail(w http.ResponseWriter, logger *zap.Logger, err error) {
	typ, status := gateway.Classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request_failed", zap.String("error_type", typ), zap.Error(err))
	} else {
		logger.Info("request_rejected", zap.String("error_type", typ), zap.Error(err))
	}
	h.writeError(w, status, typ, err.Error())
}

func (h *ChatHandler) writeError(w http.ResponseWriter, status int, typ, msg string) {
	h.writeJSON(w, status, errorBody{Error: errorDetail{Message: msg, Type: typ}})
}

// writeJSON is a small helper to send JSON responses consistently.
func (h *ChatHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEvent(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "data: "+string(b)+"\n\n")
	return err
}
