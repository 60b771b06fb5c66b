package gateway

import (
	"context"
	"errors"
	"net/http"

	"completion-gateway/internal/llm"
	"completion-gateway/internal/records"
	"completion-gateway/internal/threads"
	"completion-gateway/internal/workflow"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStreamAbandoned is recorded when a stream is closed before its
	// terminal chunk.
	ErrStreamAbandoned = errors.New("stream closed before completion")
)

// Error types stored in failure records and returned to HTTP callers.
const (
	TypeInvalidRequest   = "invalid_request_error"
	TypeNotFound         = "not_found_error"
	TypePermissionDenied = "permission_denied_error"
	TypeUpstream         = "upstream_error"
	TypeTimeout          = "timeout_error"
	TypeCancelled        = "request_cancelled"
	TypeInternal         = "internal_error"
)

// Classify maps err to an error type and the HTTP status a caller should
// see.
func Classify(err error) (string, int) {
	var upstream *llm.UpstreamError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, llm.ErrNoUserMessage):
		return TypeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, threads.ErrThreadNotFound), errors.Is(err, records.ErrNotFound):
		return TypeNotFound, http.StatusNotFound
	case errors.Is(err, threads.ErrAccessDenied):
		return TypePermissionDenied, http.StatusForbidden
	case errors.As(err, &upstream):
		return TypeUpstream, http.StatusBadGateway
	case errors.Is(err, workflow.ErrCorrelationTimeout), errors.Is(err, context.DeadlineExceeded):
		return TypeTimeout, http.StatusGatewayTimeout
	case errors.Is(err, workflow.ErrNoResponse), errors.Is(err, llm.ErrStreamTruncated):
		return TypeUpstream, http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, ErrStreamAbandoned):
		return TypeCancelled, 499
	default:
		return TypeInternal, http.StatusInternalServerError
	}
}

func errorPayload(err error) *records.ErrorPayload {
	typ, status := Classify(err)
	p := &records.ErrorPayload{
		Message: err.Error(),
		Type:    typ,
	}
	var upstream *llm.UpstreamError
	if errors.As(err, &upstream) {
		p.StatusCode = upstream.StatusCode
	} else {
		p.StatusCode = status
	}
	return p
}
