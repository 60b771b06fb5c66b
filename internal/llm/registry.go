package llm

import "strings"

// Registry is the static table of known models. It is populated once at
// start-up and read-only afterwards.
type Registry struct {
	byFamily map[string][]ProviderDescriptor
	byID     map[string]ProviderDescriptor
}

// DefaultModels is the built-in model table. The first entry of a family
// is that family's default model.
var DefaultModels = []ProviderDescriptor{
	{ModelID: "mock-gpt", DisplayName: "Mock GPT", MaxTokens: 4096, SupportsStreaming: true, Family: FamilyMock},
	{ModelID: "mock-gpt-large", DisplayName: "Mock GPT Large", MaxTokens: 32768, SupportsStreaming: true, Family: FamilyMock},

	{ModelID: "gpt-4o-mini", DisplayName: "GPT-4o mini", MaxTokens: 128000, SupportsStreaming: true, Family: FamilyDirect},
	{ModelID: "gpt-4o", DisplayName: "GPT-4o", MaxTokens: 128000, SupportsStreaming: true, Family: FamilyDirect},
	{ModelID: "gpt-4-turbo", DisplayName: "GPT-4 Turbo", MaxTokens: 128000, SupportsStreaming: true, Family: FamilyDirect},
	{ModelID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", MaxTokens: 16385, SupportsStreaming: true, Family: FamilyDirect},

	{ModelID: "wf/default", DisplayName: "Workflow agent (default)", MaxTokens: 8192, SupportsStreaming: true, Family: FamilyWorkflow},
}

func NewRegistry(models []ProviderDescriptor) *Registry {
	r := &Registry{
		byFamily: make(map[string][]ProviderDescriptor),
		byID:     make(map[string]ProviderDescriptor),
	}
	for _, m := range models {
		r.byFamily[m.Family] = append(r.byFamily[m.Family], m)
		r.byID[strings.ToLower(m.ModelID)] = m
	}
	return r
}

// ForFamily returns a copy of the descriptors owned by family.
func (r *Registry) ForFamily(family string) []ProviderDescriptor {
	models := r.byFamily[family]
	out := make([]ProviderDescriptor, len(models))
	copy(out, models)
	return out
}

// Lookup finds a descriptor by model id, case-insensitively.
func (r *Registry) Lookup(modelID string) (ProviderDescriptor, bool) {
	d, ok := r.byID[strings.ToLower(modelID)]
	return d, ok
}
