package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultMockStreamDelay = 50 * time.Millisecond

type MockConfig struct {
	// StreamDelay is the pause before each streamed word. Negative disables
	// the delay; zero selects the default (50ms).
	StreamDelay time.Duration
}

// Mock synthesizes responses locally. It never performs network I/O.
type Mock struct {
	delay  time.Duration
	logger *zap.Logger
	now    func() time.Time
}

var _ Provider = (*Mock)(nil)

func NewMock(cfg MockConfig, logger *zap.Logger) *Mock {
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.StreamDelay
	switch {
	case delay == 0:
		delay = defaultMockStreamDelay
	case delay < 0:
		delay = 0
	}
	return &Mock{
		delay:  delay,
		logger: logger.Named("mock"),
		now:    time.Now,
	}
}

func (m *Mock) Name() string { return FamilyMock }

func (m *Mock) Generate(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content := MockContent(req)
	usage := EstimateUsage(req.Messages, content)

	m.logger.Debug("mock completion",
		zap.String("model", req.Model),
		zap.Int("completion_tokens", usage.CompletionTokens),
	)

	return NewResponse("mock-"+fmt.Sprint(m.now().UnixNano()), m.now().Unix(), req.Model, content, FinishStop, usage), nil
}

func (m *Mock) GenerateStream(ctx context.Context, req *CompletionRequest) (ChunkStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := MockContent(req)
	return NewWordStream(ctx, "mock-"+fmt.Sprint(m.now().UnixNano()), req.Model, m.now().Unix(), content, m.delay), nil
}

// MockContent is the deterministic reply for req, templated from the most
// recent user message.
func MockContent(req *CompletionRequest) string {
	last, ok := req.LastUserMessage()
	if !ok {
		return "Hello! This is a mock response. Send a user message to get an echo."
	}
	return fmt.Sprintf("This is a mock response to: %q", last.Content)
}
