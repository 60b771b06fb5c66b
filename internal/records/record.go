// Package records persists one audit record per completion invocation.
// Records are insert-only: a retried call produces a new record.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"completion-gateway/internal/llm"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("records: record not found")
	ErrDuplicate = errors.New("records: record already written")
)

// ErrorPayload replaces the response on a failed invocation.
type ErrorPayload struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Record is the persisted form of a completion request and its outcome.
// CompletedAt is set only for successful invocations.
type Record struct {
	ID              string                  `json:"id"`
	RequestID       string                  `json:"request_id"`
	UserID          string                  `json:"user_id"`
	Model           string                  `json:"model"`
	Provider        string                  `json:"provider"`
	Stream          bool                    `json:"stream"`
	Request         *llm.CompletionRequest  `json:"request"`
	Response        *llm.CompletionResponse `json:"response,omitempty"`
	Error           *ErrorPayload           `json:"error,omitempty"`
	ThreadRef       string                  `json:"thread_ref,omitempty"`
	ThreadMessageID string                  `json:"thread_message_id,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
}

// Succeeded reports whether the record holds a completed response.
func (r *Record) Succeeded() bool {
	return r.Error == nil && r.CompletedAt != nil
}

func (r *Record) status() string {
	if r.Succeeded() {
		return "success"
	}
	return "error"
}

// Store is the persistence sink for completion records.
type Store interface {
	// Write inserts rec and returns its id. An empty rec.ID is assigned.
	Write(ctx context.Context, rec *Record) (string, error)
	Get(ctx context.Context, id string) (*Record, error)
	Close() error
}

func prepare(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("records: nil record")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(rec)
}

func decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
