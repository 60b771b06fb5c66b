// Package credentials resolves provider secrets for the gateway.
package credentials

import (
	"context"
	"os"
	"strings"
)

// Source returns the secret configured for a provider name. The boolean is
// false when no non-empty secret exists.
type Source interface {
	Get(ctx context.Context, provider string) (string, bool)
}

// EnvSource reads provider secrets from environment variables. Values are
// captured once at construction so later environment changes do not alter
// routing of in-flight or subsequent requests.
//
// Provider names map to "<NAME>_API_KEY" with hyphens replaced by
// underscores, e.g. "openai" -> "OPENAI_API_KEY". Fallback variables
// are consulted in order when the primary one is empty.
type EnvSource struct {
	values map[string]string
}

// DefaultFallbacks lists the extra variables consulted per provider.
var DefaultFallbacks = map[string][]string{
	"openai": {"LLM_API_KEY"},
}

// NewEnvSource snapshots the variables for the given providers.
func NewEnvSource(providers ...string) *EnvSource {
	return newEnvSource(os.Getenv, DefaultFallbacks, providers...)
}

func newEnvSource(getenv func(string) string, fallbacks map[string][]string, providers ...string) *EnvSource {
	s := &EnvSource{values: make(map[string]string, len(providers))}
	for _, p := range providers {
		name := normalize(p)
		candidates := append([]string{envVarFor(name)}, fallbacks[name]...)
		for _, key := range candidates {
			if v := strings.TrimSpace(getenv(key)); v != "" {
				s.values[name] = v
				break
			}
		}
	}
	return s
}

func (s *EnvSource) Get(_ context.Context, provider string) (string, bool) {
	v, ok := s.values[normalize(provider)]
	return v, ok
}

// Static is a fixed provider -> secret map.
type Static map[string]string

func (s Static) Get(_ context.Context, provider string) (string, bool) {
	v := strings.TrimSpace(s[normalize(provider)])
	return v, v != ""
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func envVarFor(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}
