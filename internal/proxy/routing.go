package proxy

import (
	"github.com/memoryrouter/memoryrouter/internal/providers"
)

// resolveProvider returns the provider tag and stripped model name for the
// given chat/completion model per spec.md §4.6: explicit "<tag>/<name>"
// prefix wins, else substring heuristics, else the "openrouter" catch-all.
func resolveProvider(model string) (tag string, strippedModel string) {
	return providers.ResolveProviderTag(model)
}

// resolveEmbeddingProvider returns the provider tag for the given embedding
// model. It checks EmbeddingModelAliases first, then falls back to the same
// heuristics chat models use, and finally "openai".
func resolveEmbeddingProvider(model string) string {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	tag, _ := providers.ResolveProviderTag(model)
	if tag == "openrouter" {
		return "openai"
	}
	return tag
}
