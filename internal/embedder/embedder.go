// Package embedder turns text into fixed-dimension, unit-normalised
// embedding vectors for the vault and KRONOS retrieval engine.
//
// The embedding model itself is treated as an external black box (the
// encompassing specification scopes it out entirely): this package only
// defines the contract and two implementations — one that delegates to a
// configured LLM provider's embeddings endpoint, and a deterministic local
// fallback used when no provider is configured. A failed provider call is
// returned as an error; the caller then skips retrieval, so the request
// proceeds with "no memory" rather than failing.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/memoryrouter/memoryrouter/internal/providers"
)

// Embedder turns text into a unit-normalised vector of fixed dimension.
type Embedder interface {
	// Embed returns one vector per input text, in order. D is fixed for the
	// lifetime of the Embedder.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dims returns the fixed embedding dimension D.
	Dims() int
}

// ProviderEmbedder delegates to an EmbeddingProvider (typically the openai
// tag) configured at deployment time. Embedding is stateless, deterministic
// for a given text + model version, and may block for tens of milliseconds
// per spec.md §4.1.
type ProviderEmbedder struct {
	provider providers.EmbeddingProvider
	model    string
	dims     int
}

// NewProviderEmbedder wraps an EmbeddingProvider. dims must match the
// provider's configured embedding model output size.
func NewProviderEmbedder(provider providers.EmbeddingProvider, model string, dims int) *ProviderEmbedder {
	return &ProviderEmbedder{provider: provider, model: model, dims: dims}
}

func (e *ProviderEmbedder) Dims() int { return e.dims }

func (e *ProviderEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.provider.Embed(ctx, &providers.EmbeddingRequest{
		Input: texts,
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: provider embed: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		out[d.Index] = normalize(d.Embedding)
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("embedder: provider returned no embedding for input %d", i)
		}
	}
	return out, nil
}

// LocalEmbedder is a deterministic, dependency-free stand-in used in tests
// and offline mode. It hashes text into a fixed-dimension vector — not
// semantically meaningful, but stable, fast, and unit-normalised, which is
// all the vault/KRONOS contract requires of an Embedder.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder returns a LocalEmbedder producing vectors of the given
// dimension (commonly 1024, matching a typical provider embedding size).
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 1024
	}
	return &LocalEmbedder{dims: dims}
}

func (e *LocalEmbedder) Dims() int { return e.dims }

func (e *LocalEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t, e.dims)
	}
	return out, nil
}

// hashVector derives a deterministic unit vector from text by expanding a
// SHA-256 digest with a counter-based stream, matching the dimension D.
func hashVector(text string, dims int) []float32 {
	v := make([]float32, dims)
	block := 0
	var digest [32]byte
	for i := 0; i < dims; i++ {
		if i%8 == 0 {
			digest = sha256.Sum256(append([]byte(text), byte(block)))
			block++
		}
		offset := (i % 8) * 4
		bits := binary.BigEndian.Uint32(digest[offset : offset+4])
		// Map to [-1, 1).
		v[i] = float32(int32(bits))/float32(1<<31)
	}
	return normalize(v)
}

// normalize returns a unit-length copy of v. A zero vector is returned
// unchanged rather than dividing by zero.
func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
