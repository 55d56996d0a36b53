// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Google Gemini, Mistral, Azure
// OpenAI, Ollama, and the OpenAI-compatible family: xAI, Cerebras, DeepSeek,
// OpenRouter).
//
// Each provider lives in its own sub-package and implements the Provider
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider. Providers are registered under a tag from the closed set
// enumerated in ModelAliases / DefaultFallbackOrder. Name() usually returns
// that tag; the Gemini provider reports "gemini" and is registered as "google".
package providers

import (
	"context"
	"strings"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request, used on the OpenAI-shaped
	// multiplex endpoint where cross-provider translation is permitted.
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		MemoryKey   string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model     string
		MemoryKey string
		APIKey    string
		APIKeyID  string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider — LLM provider interface.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// RawProvider is implemented by providers exposed on a native pass-through
// endpoint (anthropic's /v1/messages, google's :generateContent). Request
// and Response carry the caller's JSON body verbatim except for the memory
// injection site; no field is added, removed, or reshaped beyond that.
type RawProvider interface {
	// Endpoint returns the upstream URL for a native request. stream
	// indicates the google streamGenerateContent variant.
	Endpoint(model string, stream bool) (url string, err error)
	// AuthHeaders returns the headers to attach for the given API key.
	AuthHeaders(apiKey string) map[string]string
}

// EmbeddingModelAliases maps embedding model names to provider tags.
// Used by the dispatcher to route POST /v1/embeddings requests.
var EmbeddingModelAliases = map[string]string{
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",
	"mistral-embed":          "mistral",
	"text-embedding-004":     "google",
	"embedding-001":          "google",
}

// ModelAliases maps model names to provider tags. Used by the dispatcher to
// resolve POST /v1/chat/completions requests when no explicit "<tag>/<name>"
// prefix is present. Tags are restricted to the closed set: openai,
// anthropic, openrouter, google, xai, cerebras, deepseek, azure, ollama,
// mistral.
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":                  "openai",
	"gpt-4-0613":             "openai",
	"gpt-4o":                 "openai",
	"gpt-4o-2024-11-20":      "openai",
	"gpt-4o-2024-08-06":      "openai",
	"gpt-4o-2024-05-13":      "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4o-mini-2024-07-18": "openai",
	"gpt-4-turbo":            "openai",
	"gpt-4-turbo-2024-04-09": "openai",
	"gpt-4-turbo-preview":    "openai",
	"gpt-3.5-turbo":          "openai",
	"gpt-3.5-turbo-0125":     "openai",
	"gpt-3.5-turbo-1106":     "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o1-preview":             "openai",
	"o3":                     "openai",
	"o3-mini":                "openai",
	"o4-mini":                "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-opus-20240229":     "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-3-haiku-20240307":    "anthropic",
	"claude-3-sonnet-20240229":   "anthropic",
	"claude-3-7-sonnet-20250219": "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",

	// ─── Google Gemini ────────────────────────────────────────────────────────
	"gemini-pro":            "google",
	"gemini-1.5-pro":        "google",
	"gemini-1.5-pro-002":    "google",
	"gemini-1.5-flash":      "google",
	"gemini-1.5-flash-002":  "google",
	"gemini-2.0-flash":      "google",
	"gemini-2.0-flash-lite": "google",
	"gemini-2.5-pro":        "google",
	"gemini-2.5-flash":      "google",

	// ─── Mistral AI ───────────────────────────────────────────────────────────
	"mistral-large-latest": "mistral",
	"mistral-small-latest": "mistral",
	"mistral-large":        "mistral",
	"mistral-large-2411":   "mistral",
	"mistral-medium":       "mistral",
	"mistral-nemo":         "mistral",
	"open-mistral-nemo":    "mistral",
	"mixtral-8x7b":         "mistral",
	"open-mixtral-8x22b":   "mistral",
	"codestral-latest":     "mistral",
	"ministral-8b-latest":  "mistral",

	// ─── xAI (Grok) ───────────────────────────────────────────────────────────
	"grok-3":           "xai",
	"grok-3-fast":       "xai",
	"grok-3-mini":       "xai",
	"grok-3-latest":     "xai",
	"grok-2":            "xai",
	"grok-2-1212":       "xai",
	"grok-2-vision":     "xai",
	"grok-beta":         "xai",

	// ─── DeepSeek ─────────────────────────────────────────────────────────────
	"deepseek-chat":     "deepseek",
	"deepseek-reasoner": "deepseek",

	// ─── Cerebras ─────────────────────────────────────────────────────────────
	// Cerebras uses short model names (note: llama3.1 not llama-3.1).
	"llama3.1-8b":                   "cerebras",
	"llama3.1-70b":                  "cerebras",
	"llama3.3-70b":                  "cerebras",
	"qwen-3-32b":                    "cerebras",
	"deepseek-r1-distill-llama-70b": "cerebras",

	// ─── Azure OpenAI ─────────────────────────────────────────────────────────
	// Use the "azure-" prefix to route explicitly to Azure. The prefix is
	// stripped to derive the Azure deployment name.
	"azure-gpt-4":        "azure",
	"azure-gpt-4o":       "azure",
	"azure-gpt-4-turbo":  "azure",
	"azure-gpt-4o-mini":  "azure",
	"azure-o3-mini":      "azure",
	"azure-gpt-4.1":      "azure",
	"azure-gpt-4.1-mini": "azure",

	// ─── Ollama ───────────────────────────────────────────────────────────────
	"ollama-llama3":   "ollama",
	"ollama-llama3.1": "ollama",
	"ollama-mistral":  "ollama",
	"ollama-qwen2.5":  "ollama",
}

// DefaultFallbackOrder is the default provider failover sequence. When the
// primary provider fails, the gateway tries each provider in this order
// until one succeeds or MaxRetries is exhausted.
var DefaultFallbackOrder = []string{
	"openai",
	"anthropic",
	"google",
	"mistral",
	"xai",
	"deepseek",
	"cerebras",
	"azure",
	"ollama",
	"openrouter",
}

// Default circuit breaker and failover constants.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 3
	ProviderTimeout   = 30 * time.Second
)

// ResolveProviderTag resolves a model string to a provider tag per spec.md
// §4.6: an explicit "<tag>/<name>" prefix wins; otherwise substring
// heuristics apply; otherwise the catch-all "openrouter" is used. The
// returned modelName has any resolved prefix stripped.
func ResolveProviderTag(model string) (tag string, modelName string) {
	if idx := strings.IndexByte(model, '/'); idx > 0 {
		prefix := strings.ToLower(model[:idx])
		if isKnownTag(prefix) {
			return prefix, model[idx+1:]
		}
	}

	lowered := strings.ToLower(model)
	switch {
	case lowered == "":
		return "openrouter", model
	case strings.Contains(lowered, "claude"):
		return "anthropic", model
	case strings.Contains(lowered, "gpt") || strings.Contains(lowered, "o1") || strings.Contains(lowered, "o3"):
		return "openai", model
	case strings.Contains(lowered, "gemini") || strings.Contains(lowered, "gemma"):
		return "google", model
	case strings.Contains(lowered, "grok"):
		return "xai", model
	case strings.Contains(lowered, "deepseek"):
		return "deepseek", model
	case strings.Contains(lowered, "mistral") || strings.Contains(lowered, "mixtral") || strings.Contains(lowered, "codestral") || strings.Contains(lowered, "ministral"):
		return "mistral", model
	case strings.Contains(lowered, "llama") && strings.Contains(lowered, "cerebras"):
		return "cerebras", model
	default:
		if tag, ok := ModelAliases[model]; ok {
			return tag, model
		}
		return "openrouter", model
	}
}

func isKnownTag(tag string) bool {
	switch tag {
	case "openai", "anthropic", "openrouter", "google", "xai", "cerebras", "deepseek", "azure", "ollama", "mistral":
		return true
	default:
		return false
	}
}

// StatusCoder is implemented by errors that carry the HTTP status code the
// upstream provider responded with, so the dispatcher's failover classifier
// can make retry decisions without parsing error bodies.
type StatusCoder interface {
	HTTPStatus() int
}
