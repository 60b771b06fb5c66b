// Package gateway runs the completion request lifecycle: provider
// selection, invocation, usage accounting, conversation append-back and
// record persistence.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"completion-gateway/internal/llm"
	"completion-gateway/internal/metrics"
	"completion-gateway/internal/records"
	"completion-gateway/internal/threads"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Caller is the authenticated identity a request runs as.
type Caller struct {
	ID   string
	Role string
}

// RecordStore is the persistence sink for completion records.
type RecordStore interface {
	Write(ctx context.Context, rec *records.Record) (string, error)
	Get(ctx context.Context, id string) (*records.Record, error)
}

// ConversationStore is the external conversation store completions are
// appended to.
type ConversationStore interface {
	VerifyOwnership(ctx context.Context, threadRef, ownerID string) error
	Append(ctx context.Context, threadRef string, msg threads.Message) (string, error)
}

type Config struct {
	// DefaultModel is used when a request names no model. Empty selects
	// the first registry model of the family serving model-less requests.
	DefaultModel string
	Registry     *llm.Registry
}

// fallbackModel is used when the registry has no model for the family
// serving model-less requests.
const fallbackModel = "mock-gpt"

type Gateway struct {
	selector     *Selector
	records      RecordStore
	threads      ConversationStore
	registry     *llm.Registry
	defaultModel string
	logger       *zap.Logger
	now          func() time.Time
}

// New builds a Gateway. conv may be nil, in which case requests carrying a
// thread reference fail with threads.ErrThreadNotFound. rec may be nil, in
// which case nothing is persisted and every lookup is not found.
func New(cfg Config, selector *Selector, rec RecordStore, conv ConversationStore, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = llm.NewRegistry(llm.DefaultModels)
	}
	return &Gateway{
		selector:     selector,
		records:      rec,
		threads:      conv,
		registry:     cfg.Registry,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		logger:       logger.Named("gateway"),
		now:          time.Now,
	}
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// DefaultModel returns the model used for requests that name none: the
// configured one, else the first registry model of the family the selector
// routes model-less requests to.
func (g *Gateway) DefaultModel(ctx context.Context) string {
	if g.defaultModel != "" {
		return g.defaultModel
	}
	route := g.selector.Select(ctx, "")
	if models := g.registry.ForFamily(route.Family); len(models) > 0 {
		return models[0].ModelID
	}
	return fallbackModel
}

// prepare validates req and returns a private copy with the effective
// model and stream flag applied.
func (g *Gateway) prepare(ctx context.Context, req *llm.CompletionRequest, caller Caller, stream bool) (*llm.CompletionRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request body is required", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	out := req.Clone()
	out.Model = strings.TrimSpace(out.Model)
	if out.Model == "" {
		out.Model = g.DefaultModel(ctx)
	}
	out.Stream = stream
	if out.User == "" {
		out.User = caller.ID
	}
	return out, nil
}

// CreateCompletion runs a non-streaming completion and persists its record.
// A failed record write is logged and never replaces the result.
func (g *Gateway) CreateCompletion(ctx context.Context, req *llm.CompletionRequest, caller Caller) (*llm.CompletionResponse, *records.Record, error) {
	req, err := g.prepare(ctx, req, caller, false)
	if err != nil {
		return nil, nil, err
	}

	route := g.selector.Select(ctx, req.Model)
	id := newCompletionID()
	logger := g.logger.With(
		zap.String("completion_id", id),
		zap.String("model", req.Model),
		zap.String("provider", route.Family),
		zap.String("user_id", caller.ID),
	)

	rec := &records.Record{
		ID:        id,
		RequestID: id,
		UserID:    caller.ID,
		Model:     req.Model,
		Provider:  route.Family,
		Request:   req,
		ThreadRef: req.ThreadRef,
		CreatedAt: g.now().UTC(),
	}

	fail := func(err error) (*llm.CompletionResponse, *records.Record, error) {
		metrics.CompletionsTotal.WithLabelValues(route.Family, "error").Inc()
		logger.Warn("completion failed", zap.Error(err))
		rec.Error = errorPayload(err)
		g.writeRecord(ctx, logger, rec)
		return nil, rec, err
	}

	if req.ThreadRef != "" {
		if err := g.verifyThread(ctx, req.ThreadRef, caller); err != nil {
			return fail(err)
		}
	}

	start := g.now()
	resp, err := route.Provider.Generate(ctx, req)
	metrics.CompletionLatencySeconds.WithLabelValues(route.Family).Observe(g.now().Sub(start).Seconds())
	if err != nil {
		return fail(err)
	}

	resp.ID = id
	resp.Usage = resp.Usage.Normalized()
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Created == 0 {
		resp.Created = start.Unix()
	}

	if req.ThreadRef != "" {
		msgID, err := g.appendToThread(ctx, req, resp)
		if err != nil {
			return fail(err)
		}
		rec.ThreadMessageID = msgID
	}

	completed := g.now().UTC()
	rec.Response = resp
	rec.CompletedAt = &completed
	g.writeRecord(ctx, logger, rec)

	metrics.CompletionsTotal.WithLabelValues(route.Family, "success").Inc()
	logger.Info("completion succeeded",
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", completed.Sub(start)),
	)
	return resp, rec, nil
}

// CreateStreamingCompletion starts a streaming completion. The returned
// stream satisfies the terminal-chunk contract, carries the gateway id on
// every chunk and writes exactly one record when it ends or is closed.
func (g *Gateway) CreateStreamingCompletion(ctx context.Context, req *llm.CompletionRequest, caller Caller) (llm.ChunkStream, error) {
	req, err := g.prepare(ctx, req, caller, true)
	if err != nil {
		return nil, err
	}

	route := g.selector.Select(ctx, req.Model)
	id := newCompletionID()
	logger := g.logger.With(
		zap.String("completion_id", id),
		zap.String("model", req.Model),
		zap.String("provider", route.Family),
		zap.String("user_id", caller.ID),
	)

	rec := &records.Record{
		ID:        id,
		RequestID: id,
		UserID:    caller.ID,
		Model:     req.Model,
		Provider:  route.Family,
		Stream:    true,
		Request:   req,
		CreatedAt: g.now().UTC(),
	}

	fail := func(err error) (llm.ChunkStream, error) {
		metrics.CompletionsTotal.WithLabelValues(route.Family, "error").Inc()
		logger.Warn("stream failed to start", zap.Error(err))
		rec.Error = errorPayload(err)
		g.writeRecord(ctx, logger, rec)
		return nil, err
	}

	// Streams are not appended back, but a thread reference must still be
	// one the caller owns.
	if req.ThreadRef != "" {
		if err := g.verifyThread(ctx, req.ThreadRef, caller); err != nil {
			return fail(err)
		}
	}

	start := g.now()
	inner, err := route.Provider.GenerateStream(ctx, req)
	if err != nil {
		return fail(err)
	}

	logger.Debug("stream started")
	return &recordingStream{
		ctx:     ctx,
		inner:   llm.Guard(inner),
		gateway: g,
		logger:  logger,
		family:  route.Family,
		record:  rec,
		start:   start,
	}, nil
}

// GetAvailableModels lists the models of the provider family that serves
// the default model.
func (g *Gateway) GetAvailableModels(ctx context.Context) []llm.ProviderDescriptor {
	route := g.selector.Select(ctx, g.DefaultModel(ctx))
	return g.registry.ForFamily(route.Family)
}

// GetCompletion returns a persisted record owned by caller. Records owned
// by someone else are reported as not found.
func (g *Gateway) GetCompletion(ctx context.Context, id string, caller Caller) (*records.Record, error) {
	if g.records == nil {
		return nil, records.ErrNotFound
	}
	rec, err := g.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != caller.ID {
		return nil, records.ErrNotFound
	}
	return rec, nil
}

func (g *Gateway) verifyThread(ctx context.Context, threadRef string, caller Caller) error {
	if g.threads == nil {
		return threads.ErrThreadNotFound
	}
	return g.threads.VerifyOwnership(ctx, threadRef, caller.ID)
}

// appendToThread appends the latest user message (when it is the last
// message) and the assistant reply, returning the reply's entry id.
func (g *Gateway) appendToThread(ctx context.Context, req *llm.CompletionRequest, resp *llm.CompletionResponse) (string, error) {
	if last := req.Messages[len(req.Messages)-1]; last.Role == llm.RoleUser {
		if _, err := g.threads.Append(ctx, req.ThreadRef, threads.Message{
			Role:    llm.RoleUser,
			Content: last.Content,
		}); err != nil {
			return "", fmt.Errorf("append user message: %w", err)
		}
	}

	id, err := g.threads.Append(ctx, req.ThreadRef, threads.Message{
		Role:    llm.RoleAssistant,
		Content: resp.Content(),
		Metadata: map[string]any{
			"source":        "completion",
			"model":         resp.Model,
			"usage":         resp.Usage,
			"finish_reason": string(resp.FinishReason()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("append assistant message: %w", err)
	}
	return id, nil
}

// writeRecord persists rec. Errors are logged and counted only.
func (g *Gateway) writeRecord(ctx context.Context, logger *zap.Logger, rec *records.Record) {
	if g.records == nil {
		return
	}
	if _, err := g.records.Write(context.WithoutCancel(ctx), rec); err != nil {
		metrics.RecordWriteFailuresTotal.Inc()
		level := zap.ErrorLevel
		if errors.Is(err, records.ErrDuplicate) {
			level = zap.WarnLevel
		}
		logger.Log(level, "record write failed", zap.String("record_id", rec.ID), zap.Error(err))
	}
}
