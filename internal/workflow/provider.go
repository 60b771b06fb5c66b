// Package workflow bridges the request/response completion contract onto an
// asynchronous job system. A job is submitted over HTTP with a fresh
// correlation id and its result is picked out of a shared event stream.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"completion-gateway/internal/llm"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ErrCorrelationTimeout is returned when no matching event arrives within
// the configured wait.
var ErrCorrelationTimeout = errors.New("workflow: timed out waiting for response")

type Config struct {
	// BaseURL of the orchestrator's event ingestion API.
	BaseURL string
	// EventKey is appended to the submission path: {BaseURL}/e/{EventKey}.
	EventKey string
	// EventName of the job-execution request (default: agent/run).
	EventName string

	Prefix       string        // model namespace marker (default: wf)
	DefaultAgent string        // agent used when the model has no suffix (default: default)
	Timeout      time.Duration // bounded correlation wait (default: 2m)
	StreamDelay  time.Duration // pause between re-split words; negative disables

	// SubmitRetries re-sends a submission rejected with a transient
	// failure. Submissions carry the correlation id as their event id, so
	// the orchestrator drops duplicates.
	SubmitRetries int

	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.EventName == "" {
		c.EventName = "agent/run"
	}
	if c.Prefix == "" {
		c.Prefix = "wf"
	}
	if c.DefaultAgent == "" {
		c.DefaultAgent = "default"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.StreamDelay < 0 {
		c.StreamDelay = 0
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// Provider submits jobs to the orchestrator and rendezvous with their
// results through a Hub.
type Provider struct {
	cfg     Config
	hub     *Hub
	retrier llm.Retrier
	logger  *zap.Logger
	now     func() time.Time
}

var _ llm.Provider = (*Provider)(nil)

func NewProvider(cfg Config, hub *Hub, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("workflow")
	return &Provider{
		cfg: cfg.withDefaults(),
		hub: hub,
		retrier: llm.Retrier{
			Retries:  cfg.SubmitRetries,
			Provider: llm.FamilyWorkflow,
			Logger:   logger,
		},
		logger: logger,
		now:    time.Now,
	}
}

func (p *Provider) Name() string { return llm.FamilyWorkflow }

// Prefix returns the model namespace marker routed to this provider.
func (p *Provider) Prefix() string { return p.cfg.Prefix }

// ParseModel reports whether model is in the workflow namespace
// ("<prefix>/<agent>") and returns the agent name, falling back to
// defaultAgent when the suffix is empty.
func ParseModel(prefix, model, defaultAgent string) (string, bool) {
	head, agent, found := strings.Cut(strings.TrimSpace(model), "/")
	if !found || !strings.EqualFold(head, prefix) {
		return "", false
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		agent = defaultAgent
	}
	return agent, true
}

// Agent resolves the target agent for model.
func (p *Provider) Agent(model string) string {
	if agent, ok := ParseModel(p.cfg.Prefix, model, p.cfg.DefaultAgent); ok {
		return agent
	}
	return p.cfg.DefaultAgent
}

func (p *Provider) Generate(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	job, err := p.start(ctx, req)
	if err != nil {
		return nil, err
	}
	defer job.waiter.Cancel()

	ev, err := p.await(ctx, job)
	if err != nil {
		return nil, err
	}

	usage := llm.EstimateUsage(req.Messages, ev.Content)
	return llm.NewResponse(job.eventID, p.now().Unix(), req.Model, ev.Content, llm.FinishStop, usage), nil
}

func (p *Provider) GenerateStream(ctx context.Context, req *llm.CompletionRequest) (llm.ChunkStream, error) {
	job, err := p.start(ctx, req)
	if err != nil {
		return nil, err
	}
	return &workflowStream{
		ctx:      ctx,
		provider: p,
		job:      job,
		model:    req.Model,
	}, nil
}

type job struct {
	correlationID string
	agent         string
	eventID       string
	waiter        *Waiter
}

// start registers the waiter and submits the job.
func (p *Provider) start(ctx context.Context, req *llm.CompletionRequest) (*job, error) {
	if p.hub == nil {
		return nil, errors.New("workflow: event hub is not configured")
	}
	last, ok := req.LastUserMessage()
	if !ok {
		return nil, llm.ErrNoUserMessage
	}

	j := &job{
		correlationID: uuid.NewString(),
		agent:         p.Agent(req.Model),
	}

	w, err := p.hub.Subscribe(j.correlationID)
	if err != nil {
		return nil, err
	}
	j.waiter = w

	eventID, err := p.submit(ctx, j, last.Content, req.User)
	if err != nil {
		w.Cancel()
		return nil, err
	}
	j.eventID = eventID

	p.logger.Info("workflow job submitted",
		zap.String("agent", j.agent),
		zap.String("conversation_ref", j.correlationID),
		zap.String("event_id", eventID),
	)
	return j, nil
}

type submitRequest struct {
	ID   string     `json:"id,omitempty"`
	Name string     `json:"name"`
	Data submitData `json:"data"`
}

type submitData struct {
	ConversationRef string `json:"conversation_ref"`
	Agent           string `json:"agent"`
	Message         string `json:"message"`
	User            string `json:"user,omitempty"`
}

func (p *Provider) submit(ctx context.Context, j *job, message, user string) (string, error) {
	if p.cfg.BaseURL == "" {
		return "", errors.New("workflow: base URL is not configured")
	}

	body, err := json.Marshal(submitRequest{
		ID:   j.correlationID,
		Name: p.cfg.EventName,
		Data: submitData{
			ConversationRef: j.correlationID,
			Agent:           j.agent,
			Message:         message,
			User:            user,
		},
	})
	if err != nil {
		return "", fmt.Errorf("workflow: marshal submission: %w", err)
	}

	url := p.cfg.BaseURL + "/e/" + p.cfg.EventKey
	resp, err := p.retrier.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return p.cfg.HTTPClient.Do(httpReq)
	})
	if err != nil {
		return "", fmt.Errorf("workflow: submit job: %w", err)
	}
	defer resp.Body.Close()

	respBody := readBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Error("workflow submission rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("body", respBody),
		)
		return "", &llm.UpstreamError{
			Provider:   "workflow",
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}
	}

	eventID := gjson.Get(respBody, "ids.0").String()
	if eventID == "" {
		eventID = gjson.Get(respBody, "id").String()
	}
	if eventID == "" {
		return "", fmt.Errorf("workflow: submission response has no event id: %s", respBody)
	}
	return eventID, nil
}

// await blocks on the job's waiter for at most the configured timeout.
func (p *Provider) await(ctx context.Context, j *job) (Event, error) {
	start := p.now()
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ev, err := j.waiter.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s (conversation_ref %s)", ErrCorrelationTimeout, p.cfg.Timeout, j.correlationID)
		}
		p.logger.Warn("workflow response not received",
			zap.String("agent", j.agent),
			zap.String("conversation_ref", j.correlationID),
			zap.Error(err),
		)
		return Event{}, err
	}

	p.logger.Info("workflow response received",
		zap.String("agent", j.agent),
		zap.String("conversation_ref", j.correlationID),
		zap.Duration("wait", p.now().Sub(start)),
	)
	return ev, nil
}

// workflowStream waits for the job result on the first Recv and then
// re-splits it into word chunks.
type workflowStream struct {
	ctx      context.Context
	provider *Provider
	job      *job
	model    string

	words     *llm.WordStream
	err       error
	closeOnce sync.Once
}

func (s *workflowStream) Recv() (*llm.StreamChunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.words == nil {
		ev, err := s.provider.await(s.ctx, s.job)
		s.job.waiter.Cancel()
		if err != nil {
			s.err = err
			return nil, err
		}
		s.words = llm.NewWordStream(s.ctx, s.job.eventID, s.model, s.provider.now().Unix(), ev.Content, s.provider.cfg.StreamDelay)
	}
	return s.words.Recv()
}

func (s *workflowStream) Close() error {
	s.closeOnce.Do(func() {
		s.job.waiter.Cancel()
		if s.words != nil {
			_ = s.words.Close()
		}
	})
	return nil
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(b)
}
