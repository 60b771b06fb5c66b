package gateway

import (
	"context"

	"completion-gateway/internal/credentials"
	"completion-gateway/internal/llm"
	"completion-gateway/internal/workflow"
)

// WorkflowProvider is a provider reached through a model namespace prefix.
type WorkflowProvider interface {
	llm.Provider
	Prefix() string
	Agent(model string) string
}

// Route is the outcome of provider selection.
type Route struct {
	Provider llm.Provider
	Family   string
	Agent    string // workflow routes only
}

// Selector maps a model identifier to the provider responsible for it.
// Select never fails: the mock provider is the universal fallback.
type Selector struct {
	mock     llm.Provider
	direct   llm.Provider
	workflow WorkflowProvider
	creds    credentials.Source
}

// NewSelector builds a selector. direct, workflow and creds may be nil.
func NewSelector(mock, direct llm.Provider, wf WorkflowProvider, creds credentials.Source) *Selector {
	if creds == nil {
		creds = credentials.Static{}
	}
	return &Selector{
		mock:     mock,
		direct:   direct,
		workflow: wf,
		creds:    creds,
	}
}

// Select applies, in order: workflow namespace prefix, configured direct
// credential, mock fallback.
func (s *Selector) Select(ctx context.Context, model string) Route {
	if s.workflow != nil {
		if _, ok := workflow.ParseModel(s.workflow.Prefix(), model, ""); ok {
			return Route{
				Provider: s.workflow,
				Family:   llm.FamilyWorkflow,
				Agent:    s.workflow.Agent(model),
			}
		}
	}

	if s.direct != nil {
		if _, ok := s.creds.Get(ctx, llm.FamilyDirect); ok {
			return Route{Provider: s.direct, Family: llm.FamilyDirect}
		}
	}

	return Route{Provider: s.mock, Family: llm.FamilyMock}
}
