// Package ollama adapts the generic OpenAI-compatible provider for a local
// Ollama instance: no API key is required, and the base URL defaults to
// Ollama's local OpenAI-compatible endpoint (spec.md §4.6 "ollama: no auth;
// ollama_base_url may override the default local base").
package ollama

import (
	"github.com/memoryrouter/memoryrouter/internal/providers"
	"github.com/memoryrouter/memoryrouter/internal/providers/openaicompat"
)

const (
	providerName   = "ollama"
	defaultBaseURL = "http://localhost:11434/v1"
	unusedLocalKey = "ollama-local" // Ollama ignores Authorization entirely
)

// New builds a Provider backed by openaicompat, pointed at a local (or
// overridden) Ollama server. apiKey, if set, is forwarded as a bearer token
// for Ollama deployments sitting behind an authenticating proxy; otherwise a
// placeholder satisfies openaicompat's "no API key configured" guard.
func New(baseURL, apiKey string) providers.Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	key := apiKey
	if key == "" {
		key = unusedLocalKey
	}
	return openaicompat.New(providerName, key, baseURL)
}
