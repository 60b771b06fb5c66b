package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	maxRequestSize = 2 * 1024 * 1024 // 2MB total JSON payload
	maxMessageSize = 512 * 1024      // 512KB per message content
	maxErrorBody   = 2048
)

func (d *Direct) Generate(parentCtx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	bodyBytes, err := d.encode(req, false)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("llm request starting",
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, cancel := context.WithTimeout(parentCtx, d.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := d.retrier.Do(ctx, d.post(bodyBytes))
	if err != nil {
		d.logger.Error("llm request failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, fmt.Errorf("direct: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, d.upstreamError(resp, req.Model)
	}

	var pResp providerChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&pResp); err != nil {
		return nil, fmt.Errorf("direct: decode upstream response: %w", err)
	}

	if len(pResp.Choices) == 0 {
		d.logger.Error("llm provider returned no choices",
			zap.String("model", req.Model),
		)
		return nil, fmt.Errorf("direct: provider returned no choices")
	}

	out := &CompletionResponse{
		ID:      pResp.ID,
		Object:  objectCompletion,
		Created: pResp.Created,
		Model:   pResp.Model,
		Choices: make([]CompletionChoice, 0, len(pResp.Choices)),
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}

	for _, ch := range pResp.Choices {
		msg := ch.Message
		if msg.Role == "" {
			msg.Role = RoleAssistant
		}
		out.Choices = append(out.Choices, CompletionChoice{
			Index:        ch.Index,
			Message:      msg,
			FinishReason: ch.FinishReason,
		})
	}

	// Upstream totals are not trusted.
	if pResp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     pResp.Usage.PromptTokens,
			CompletionTokens: pResp.Usage.CompletionTokens,
		}
	}
	out.Usage = out.Usage.Normalized()

	d.logger.Info("llm request completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

// encode validates size limits and marshals the upstream body.
func (d *Direct) encode(req *CompletionRequest, stream bool) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("direct: request is nil")
	}

	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return nil, fmt.Errorf(
				"direct: message[%d] content too large (%d bytes, max %d)",
				i, len(m.Content), maxMessageSize,
			)
		}
	}

	bodyBytes, err := json.Marshal(newProviderChatRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("direct: marshal request: %w", err)
	}

	if len(bodyBytes) > maxRequestSize {
		return nil, fmt.Errorf(
			"direct: request too large (%d bytes, max %d)",
			len(bodyBytes), maxRequestSize,
		)
	}
	return bodyBytes, nil
}

// post returns a sender that builds a fresh request per attempt.
func (d *Direct) post(body []byte) func(ctx context.Context) (*http.Response, error) {
	return func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build HTTP request: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")
		return d.httpClient.Do(httpReq)
	}
}

// upstreamError drains a non-2xx response into an *UpstreamError.
func (d *Direct) upstreamError(resp *http.Response, model string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	uerr := &UpstreamError{
		Provider:   "direct",
		StatusCode: resp.StatusCode,
		Body:       truncate(string(body), maxErrorBody),
	}

	var perr providerErrorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		uerr.Message = fmt.Sprintf("%s (%s)", perr.Error.Message, perr.Error.Type)
	}

	d.logger.Error("llm upstream error",
		zap.String("model", model),
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	return uerr
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
