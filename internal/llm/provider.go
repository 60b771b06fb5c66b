package llm

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Provider families. A model's family decides which registry entries it
// belongs to.
const (
	FamilyMock     = "mock"
	FamilyDirect   = "openai"
	FamilyWorkflow = "workflow"
)

var (
	// ErrNoUserMessage is returned when a provider needs a user message and
	// the request carries none.
	ErrNoUserMessage = errors.New("llm: request has no user message")

	// ErrStreamTruncated is returned when the transport ends before a
	// terminal chunk was produced.
	ErrStreamTruncated = errors.New("llm: stream ended without a terminal chunk")
)

// Provider fulfils completion requests for one backend shape.
// Implementations hold no state across calls beyond configuration.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	GenerateStream(ctx context.Context, req *CompletionRequest) (ChunkStream, error)
}

// ChunkStream is a pull-based, single-consumer chunk sequence.
//
// Recv blocks until the next chunk is available and returns io.EOF once
// the terminal chunk has been delivered. Close releases any network
// resources and must be called on every exit path; it is safe to call
// more than once.
type ChunkStream interface {
	Recv() (*StreamChunk, error)
	Close() error
}

// UpstreamError reports a non-success HTTP status from a backend.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: upstream %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: upstream %d: %s", e.Provider, e.StatusCode, e.Body)
}

// EstimateTokens approximates a token count at four characters per token,
// rounded up.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// EstimatePromptTokens sums EstimateTokens over every message.
func EstimatePromptTokens(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// EstimateUsage builds a Usage from the prompt and the generated content.
func EstimateUsage(messages []ChatMessage, content string) Usage {
	return Usage{
		PromptTokens:     EstimatePromptTokens(messages),
		CompletionTokens: EstimateTokens(content),
	}.Normalized()
}
