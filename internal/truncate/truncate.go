// Package truncate keeps messages+memory within a per-model context budget
// by a fixed-priority drop order (spec.md §4.5).
package truncate

import (
	"strings"

	"github.com/memoryrouter/memoryrouter/internal/kronos"
	"github.com/memoryrouter/memoryrouter/internal/memtransform"
	"github.com/memoryrouter/memoryrouter/internal/vault"
)

// SafetyMargin is the fraction of the model's context window the truncator
// targets: messages_tokens + memory_tokens ≤ SafetyMargin·W (spec.md §4.5).
const SafetyMargin = 0.95

// contextWindows maps model-family substrings to their context window size
// in tokens. Checked in order; first match wins (spec.md §4.5).
var contextWindows = []struct {
	substr string
	tokens int
}{
	{"claude", 200_000},
	{"gpt-4o", 128_000},
	{"gpt-4", 8_000},
	{"gpt-3.5", 16_000},
	{"gemini", 1_000_000},
	{"grok", 131_000},
	{"llama", 128_000},
	{"mistral", 32_000},
}

const defaultWindow = 8_000

// ContextWindow resolves the effective context-window size W for a model,
// falling back to per-family heuristics for unknown models (spec.md §4.5).
func ContextWindow(model string) int {
	lower := strings.ToLower(model)
	for _, cw := range contextWindows {
		if strings.Contains(lower, cw.substr) {
			return cw.tokens
		}
	}
	return defaultWindow
}

// EstimateMessageTokens estimates a message's token cost: ceil(chars/4)*1.1
// plus 4 tokens of role overhead (spec.md §4.5).
func EstimateMessageTokens(content string) int {
	chars := len(content)
	base := (chars + 3) / 4
	return int(float64(base)*1.1) + 4
}

// Message is the minimal shape the truncator needs from a conversation turn.
type Message struct {
	Role string
	Text string
}

func (m Message) isSystem() bool { return m.Role == "system" }

// Report records tokens removed by category (spec.md §3 "Truncation
// report"), accompanying a request but never persisted except in debug
// headers.
type Report struct {
	Truncated    bool
	TokensRemoved int
	Details      struct {
		MessagesDropped int
		ArchiveDropped  int
		LongTermDropped int
		WorkingDropped  int
		HotDropped      int
	}
}

// Input bundles the messages and retrieved chunks to be truncated together.
type Input struct {
	Model      string
	Messages   []Message // oldest first; last element is the most recent user turn
	MemoryText int       // pre-computed memory block token estimate (buffer + header text)
	Chunks     []vault.ScoredChunk
	Windows    kronos.Windows
	Now        int64 // unix-ms "now" used for chunk age classification
}

// Output is the truncated result (spec.md §4.5).
type Output struct {
	Messages []Message
	Chunks   []vault.ScoredChunk
	Report   Report
}

// Truncate applies the fixed-priority drop order until
// messages_tokens + memory_tokens ≤ SafetyMargin·W, never dropping any
// system message nor the most recent user message (I7).
func Truncate(in Input) Output {
	budget := int(float64(ContextWindow(in.Model)) * SafetyMargin)

	messages := make([]Message, len(in.Messages))
	copy(messages, in.Messages)
	chunks := make([]vault.ScoredChunk, len(in.Chunks))
	copy(chunks, in.Chunks)

	lastUserIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}

	var out Output

	msgTokens := func() int {
		total := 0
		for _, m := range messages {
			total += EstimateMessageTokens(m.Text)
		}
		return total
	}
	chunkTokens := func() int {
		total := 0
		for _, c := range chunks {
			total += (len(c.Chunk.Content) + 3) / 4
		}
		return total
	}

	total := func() int { return msgTokens() + chunkTokens() + in.MemoryText }

	// 1. Oldest conversation messages, never dropping system nor the most
	// recent user message.
	for total() > budget {
		idx := -1
		for i, m := range messages {
			if m.isSystem() || i == lastUserIdx {
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			break
		}
		removed := EstimateMessageTokens(messages[idx].Text)
		messages = append(messages[:idx], messages[idx+1:]...)
		if lastUserIdx > idx {
			lastUserIdx--
		}
		out.Report.Details.MessagesDropped++
		out.Report.TokensRemoved += removed
	}

	// 2–5. Memory chunks by age category, oldest-first within each.
	drop := func(maxAgeMs, minAgeMs int64, counter *int) {
		for total() > budget {
			idx := -1
			var oldestTs int64 = 1<<63 - 1
			for i, c := range chunks {
				age := in.Now - c.Chunk.CreatedAtMs
				if age < minAgeMs || (maxAgeMs >= 0 && age > maxAgeMs) {
					continue
				}
				if c.Chunk.CreatedAtMs < oldestTs {
					oldestTs = c.Chunk.CreatedAtMs
					idx = i
				}
			}
			if idx < 0 {
				return
			}
			removed := (len(chunks[idx].Chunk.Content) + 3) / 4
			chunks = append(chunks[:idx], chunks[idx+1:]...)
			*counter++
			out.Report.TokensRemoved += removed
		}
	}

	const (
		archiveAgeMs  = int64(3 * 24 * 60 * 60 * 1000)
		workingAgeMs  = int64(4 * 60 * 60 * 1000)
		hotAgeMs      = int64(15 * 60 * 1000)
	)

	// 2. Archive-age (>3 days).
	drop(-1, archiveAgeMs+1, &out.Report.Details.ArchiveDropped)
	// 3. Long-term window (4h–3d).
	drop(archiveAgeMs, workingAgeMs+1, &out.Report.Details.LongTermDropped)
	// 4. Working window (15m–4h).
	drop(workingAgeMs, hotAgeMs+1, &out.Report.Details.WorkingDropped)
	// 5. Hot window (<15m) — last resort.
	drop(hotAgeMs, 0, &out.Report.Details.HotDropped)

	out.Report.Truncated = out.Report.TokensRemoved > 0
	out.Messages = messages
	out.Chunks = chunks
	return out
}

// FromExtracted maps a memtransform.ExtractedMessage slice into the
// Message shape Truncate needs, honouring per-message exclusion flags for
// storage purposes elsewhere (not used here — Truncate always forwards all
// messages regardless of ExcludeMem, since that flag only affects storage).
func FromExtracted(msgs []memtransform.ExtractedMessage) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Text: m.Text}
	}
	return out
}
