// Package memtransform normalises inbound requests and formats/injects
// outbound memory across the three recognised body shapes (spec.md §4.4):
// OpenAI-compatible, Anthropic-native, and Google Gemini.
package memtransform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/memoryrouter/memoryrouter/internal/vault"
)

// Provider body shapes (spec.md §4.4 table).
type Shape string

const (
	ShapeOpenAI    Shape = "openai"
	ShapeAnthropic Shape = "anthropic"
	ShapeGoogle    Shape = "google"
)

// Mode is the memory-options "mode" setting.
type Mode string

const (
	ModeDefault Mode = "default" // on: both retrieve and store
	ModeRead    Mode = "read"    // retrieve only, no storage
	ModeWrite   Mode = "write"   // store only, no retrieval
	ModeOff     Mode = "off"     // neither
)

// Options is the parsed set of memory options (spec.md §4.4).
type Options struct {
	Mode          Mode
	ContextLimit  int
	StoreInput    bool
	StoreResponse bool
	SessionID     string
}

// ShouldRetrieve reports whether retrieval runs for this mode.
func (o Options) ShouldRetrieve() bool { return o.Mode == ModeDefault || o.Mode == ModeRead }

// ShouldStore reports whether storage runs for this mode.
func (o Options) ShouldStore() bool { return o.Mode == ModeDefault || o.Mode == ModeWrite }

// HeaderSource is the subset of incoming header/query values memory options
// may be read from. Body values always take precedence over headers.
type HeaderSource struct {
	Mode          string
	ContextLimit  string
	StoreInput    string
	StoreResponse string
	SessionID     string
}

const defaultContextLimit = 30

// ParseMode normalises a mode string to one of the four recognised modes.
// Unrecognised or empty values fall back to ModeDefault ("on").
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return ModeRead
	case "write":
		return ModeWrite
	case "off", "none":
		return ModeOff
	case "default", "on", "":
		return ModeDefault
	default:
		return ModeDefault
	}
}

func parseBool(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func parseContextLimit(s string) int {
	if s == "" {
		return defaultContextLimit
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return defaultContextLimit
	}
	if n > 100000 {
		return 100000
	}
	return n
}

// ExtractOptions merges header-sourced options with body-sourced overrides
// (body overrides headers — spec.md §4.4).
func ExtractOptions(headers HeaderSource, bodyOverride *Options) Options {
	opts := Options{
		Mode:          ParseMode(headers.Mode),
		ContextLimit:  parseContextLimit(headers.ContextLimit),
		StoreInput:    parseBool(headers.StoreInput, true),
		StoreResponse: parseBool(headers.StoreResponse, true),
		SessionID:     headers.SessionID,
	}
	if bodyOverride == nil {
		return opts
	}
	if bodyOverride.Mode != "" {
		opts.Mode = bodyOverride.Mode
	}
	if bodyOverride.ContextLimit != 0 {
		opts.ContextLimit = bodyOverride.ContextLimit
	}
	opts.StoreInput = bodyOverride.StoreInput
	opts.StoreResponse = bodyOverride.StoreResponse
	if bodyOverride.SessionID != "" {
		opts.SessionID = bodyOverride.SessionID
	}
	return opts
}

// bodyOptionsJSON is the shape of MR-specific fields a caller may place in
// the JSON body (all optional; stripped from the clone before forwarding).
type bodyOptionsJSON struct {
	Memory *struct {
		Mode          string `json:"mode"`
		ContextLimit  int    `json:"contextLimit"`
		StoreInput    *bool  `json:"storeInput"`
		StoreResponse *bool  `json:"storeResponse"`
		SessionID     string `json:"sessionId"`
	} `json:"memory"`
	SessionID string `json:"sessionId"`
}

// bodyToOptions converts a raw JSON body's MR fields into an *Options
// override, or nil when the body carries no MR fields.
func bodyToOptions(raw json.RawMessage) *Options {
	var b bodyOptionsJSON
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil
	}
	if b.Memory == nil && b.SessionID == "" {
		return nil
	}
	out := &Options{StoreInput: true, StoreResponse: true}
	if b.Memory != nil {
		if b.Memory.Mode != "" {
			out.Mode = ParseMode(b.Memory.Mode)
		}
		out.ContextLimit = b.Memory.ContextLimit
		if b.Memory.StoreInput != nil {
			out.StoreInput = *b.Memory.StoreInput
		}
		if b.Memory.StoreResponse != nil {
			out.StoreResponse = *b.Memory.StoreResponse
		}
		if b.Memory.SessionID != "" {
			out.SessionID = b.Memory.SessionID
		}
	}
	if b.SessionID != "" && out.SessionID == "" {
		out.SessionID = b.SessionID
	}
	return out
}

// ── Shape detection ────────────────────────────────────────────────────────

// DetectShape inspects a raw JSON body (and the resolved model name, when
// known) to classify it per spec.md §4.4: "contents" → Google; model
// starting with "claude" or a top-level string "system" → Anthropic; else
// OpenAI.
func DetectShape(raw json.RawMessage, model string) Shape {
	var probe struct {
		Contents json.RawMessage `json:"contents"`
		System   json.RawMessage `json:"system"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		if len(probe.Contents) > 0 {
			return ShapeGoogle
		}
		if strings.HasPrefix(strings.ToLower(model), "claude") {
			return ShapeAnthropic
		}
		if len(probe.System) > 0 {
			var s string
			if json.Unmarshal(probe.System, &s) == nil {
				return ShapeAnthropic
			}
		}
	}
	return ShapeOpenAI
}

// ── Extracted request ──────────────────────────────────────────────────────

// ExtractedMessage is one conversation turn with its memory-exclusion flag
// (spec.md §4.4: per-message "memory:false" excludes it from storage, never
// from forwarding).
type ExtractedMessage struct {
	Role        string
	Text        string
	ExcludeMem  bool // true when the message carried "memory": false
}

// Extracted is the result of the extract step (spec.md §4.4).
type Extracted struct {
	CleanBody json.RawMessage // deep clone, MR fields stripped
	Options   Options
	Shape     Shape
	Messages  []ExtractedMessage // conversation turns, oldest first
	// SystemText is the current system/instruction text, if any, harvested
	// so it can be folded into the retrieval query for Anthropic/Google.
	SystemText string
}

type rawMessageField struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Memory  *bool           `json:"memory"`
}

type openAIBody struct {
	Messages []rawMessageField `json:"messages"`
}

type anthropicBody struct {
	Model    string            `json:"model"`
	System   json.RawMessage   `json:"system"`
	Messages []rawMessageField `json:"messages"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiBody struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *struct {
		Parts []geminiPart `json:"parts"`
	} `json:"systemInstruction"`
}

// Extract deep-clones body, detects its shape, harvests memory options from
// headers+body (body overrides headers), strips MR-specific fields from the
// clone, and returns the normalised messages for query-building and
// storage (spec.md §4.4 "Extract step").
func Extract(body json.RawMessage, model string, headers HeaderSource) (*Extracted, error) {
	shape := DetectShape(body, model)
	opts := ExtractOptions(headers, bodyToOptions(body))

	ext := &Extracted{Options: opts, Shape: shape}

	switch shape {
	case ShapeGoogle:
		var g geminiBody
		if err := json.Unmarshal(body, &g); err != nil {
			return nil, fmt.Errorf("memtransform: decode google body: %w", err)
		}
		for _, c := range g.Contents {
			text := joinParts(c.Parts)
			ext.Messages = append(ext.Messages, ExtractedMessage{Role: c.Role, Text: text})
		}
		if g.SystemInstruction != nil {
			ext.SystemText = joinParts(g.SystemInstruction.Parts)
		}

	case ShapeAnthropic:
		var a anthropicBody
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("memtransform: decode anthropic body: %w", err)
		}
		ext.SystemText = anthropicSystemText(a.System)
		for _, m := range a.Messages {
			ext.Messages = append(ext.Messages, ExtractedMessage{
				Role:       m.Role,
				Text:       contentToText(m.Content),
				ExcludeMem: m.Memory != nil && !*m.Memory,
			})
		}

	default: // OpenAI
		var o openAIBody
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, fmt.Errorf("memtransform: decode openai body: %w", err)
		}
		for _, m := range o.Messages {
			text := contentToText(m.Content)
			if m.Role == "system" && ext.SystemText == "" {
				ext.SystemText = text
			}
			ext.Messages = append(ext.Messages, ExtractedMessage{
				Role:       m.Role,
				Text:       text,
				ExcludeMem: m.Memory != nil && !*m.Memory,
			})
		}
	}

	clean, err := stripMRFields(body)
	if err != nil {
		return nil, err
	}
	ext.CleanBody = clean

	return ext, nil
}

func joinParts(parts []geminiPart) string {
	var sb strings.Builder
	for i, p := range parts {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func anthropicSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for i, b := range blocks {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return ""
}

// contentToText handles both "content is a string" and "content is an
// array of content blocks" shapes (Anthropic/OpenAI vision-style content).
func contentToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "" || b.Type == "text" {
				if sb.Len() > 0 {
					sb.WriteString(" ")
				}
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// stripMRFields removes MR-only fields ("memory" on messages, top-level
// "memory"/"sessionId") from a deep clone of body, leaving everything else
// byte-identical (spec.md §4.4 "zero information loss... except the
// deliberate stripping of MR-only fields").
func stripMRFields(body json.RawMessage) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return body, nil //nolint:nilerr // not a JSON object; forward unchanged
	}

	delete(generic, "memory")
	delete(generic, "sessionId")

	if rawMsgs, ok := generic["messages"]; ok {
		var msgs []map[string]json.RawMessage
		if err := json.Unmarshal(rawMsgs, &msgs); err == nil {
			for _, m := range msgs {
				delete(m, "memory")
			}
			stripped, err := json.Marshal(msgs)
			if err == nil {
				generic["messages"] = stripped
			}
		}
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("memtransform: re-marshal stripped body: %w", err)
	}
	return out, nil
}

// ── Memory block formatting & injection (spec.md §4.4) ─────────────────────

// BlockStyle selects the formatting of the injected memory block.
type BlockStyle string

const (
	StyleXML      BlockStyle = "xml"
	StyleMarkdown BlockStyle = "markdown"
	StyleBracket  BlockStyle = "bracket"
)

// StyleForModel selects a formatting style keyed on provider/model (spec.md
// §4.4): XML for Claude and Gemini, markdown for GPT/Grok, bracket tags for
// Llama, XML as the default.
func StyleForModel(model string) BlockStyle {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"), strings.Contains(lower, "gemini"):
		return StyleXML
	case strings.Contains(lower, "gpt"), strings.Contains(lower, "grok"):
		return StyleMarkdown
	case strings.Contains(lower, "llama"):
		return StyleBracket
	default:
		return StyleXML
	}
}

const injectedInstruction = "Use this context naturally in your response. Do not explicitly mention memory or that you retrieved context unless the user asks about it directly."

// FormatMemoryBlock renders the `[MOST RECENT]` buffer block (if non-empty)
// followed by retrieved chunks separated by "\n\n---\n\n", each labelled
// with a relative + absolute time, then the injected instruction (spec.md
// §4.4).
func FormatMemoryBlock(style BlockStyle, bufferText string, chunks []vault.ScoredChunk, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	var body strings.Builder
	if bufferText != "" {
		body.WriteString(wrapMostRecent(style, bufferText))
	}

	for i, sc := range chunks {
		if body.Len() > 0 || i > 0 {
			body.WriteString("\n\n---\n\n")
		}
		ts := time.UnixMilli(sc.Chunk.CreatedAtMs).In(loc)
		label := fmt.Sprintf("%s (%s)", RelativeTime(ts, now), ts.Format("Jan 2 2006 3:04 PM"))
		body.WriteString(wrapChunk(style, label, sc.Chunk.Content))
	}

	return wrapEnvelope(style, body.String())
}

func wrapMostRecent(style BlockStyle, text string) string {
	switch style {
	case StyleMarkdown:
		return fmt.Sprintf("**[MOST RECENT]**\n%s\n\n", text)
	case StyleBracket:
		return fmt.Sprintf("[MOST_RECENT]%s[/MOST_RECENT]\n\n", text)
	default:
		return fmt.Sprintf("<most_recent>%s</most_recent>\n\n", text)
	}
}

func wrapChunk(style BlockStyle, label, content string) string {
	switch style {
	case StyleMarkdown:
		return fmt.Sprintf("**%s**\n%s", label, content)
	case StyleBracket:
		return fmt.Sprintf("[MEMORY time=%q]%s[/MEMORY]", label, content)
	default:
		return fmt.Sprintf("<memory time=%q>%s</memory>", label, content)
	}
}

func wrapEnvelope(style BlockStyle, body string) string {
	switch style {
	case StyleMarkdown:
		return fmt.Sprintf("## Relevant memory\n\n%s\n\n%s", body, injectedInstruction)
	case StyleBracket:
		return fmt.Sprintf("[MEMORY_CONTEXT]%s[/MEMORY_CONTEXT]\n%s", body, injectedInstruction)
	default:
		return fmt.Sprintf("<memory_context>%s</memory_context>\n%s", body, injectedInstruction)
	}
}

// RelativeTime formats a relative-time label per spec.md §4.4: "just now",
// "N min ago", "N hours ago", "N days ago", "N weeks ago", "N months ago",
// "N years ago".
func RelativeTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%d min ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(d.Hours()/24))
	case d < 30*24*time.Hour:
		return fmt.Sprintf("%d weeks ago", int(d.Hours()/(24*7)))
	case d < 365*24*time.Hour:
		return fmt.Sprintf("%d months ago", int(d.Hours()/(24*30)))
	default:
		return fmt.Sprintf("%d years ago", int(d.Hours()/(24*365)))
	}
}

// Inject formats the memory block and injects it into cleanBody's
// system/instruction carrier per shape (spec.md §4.4 "Injection step").
func Inject(shape Shape, cleanBody json.RawMessage, block string) (json.RawMessage, error) {
	if block == "" {
		return cleanBody, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(cleanBody, &generic); err != nil {
		return cleanBody, nil //nolint:nilerr // not a JSON object
	}

	switch shape {
	case ShapeGoogle:
		return injectGoogle(generic, block)
	case ShapeAnthropic:
		return injectAnthropic(generic, block)
	default:
		return injectOpenAI(generic, block)
	}
}

func injectOpenAI(generic map[string]json.RawMessage, block string) (json.RawMessage, error) {
	var msgs []map[string]json.RawMessage
	if rawMsgs, ok := generic["messages"]; ok {
		_ = json.Unmarshal(rawMsgs, &msgs)
	}

	found := false
	for _, m := range msgs {
		var role string
		if r, ok := m["role"]; ok {
			_ = json.Unmarshal(r, &role)
		}
		if role == "system" {
			var content string
			_ = json.Unmarshal(m["content"], &content)
			newContent := block + "\n\n" + content
			raw, _ := json.Marshal(newContent)
			m["content"] = raw
			found = true
			break
		}
	}
	if !found {
		roleRaw, _ := json.Marshal("system")
		contentRaw, _ := json.Marshal(block)
		sysMsg := map[string]json.RawMessage{"role": roleRaw, "content": contentRaw}
		msgs = append([]map[string]json.RawMessage{sysMsg}, msgs...)
	}

	msgsRaw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("memtransform: marshal injected messages: %w", err)
	}
	generic["messages"] = msgsRaw
	return json.Marshal(generic)
}

func injectAnthropic(generic map[string]json.RawMessage, block string) (json.RawMessage, error) {
	existing, hasSystem := generic["system"]

	if !hasSystem || len(existing) == 0 {
		raw, _ := json.Marshal(block)
		generic["system"] = raw
		return json.Marshal(generic)
	}

	var s string
	if json.Unmarshal(existing, &s) == nil {
		combined := block + "\n\n" + s
		raw, _ := json.Marshal(combined)
		generic["system"] = raw
		return json.Marshal(generic)
	}

	var blocks []map[string]json.RawMessage
	if json.Unmarshal(existing, &blocks) == nil {
		typeRaw, _ := json.Marshal("text")
		textRaw, _ := json.Marshal(block)
		newBlock := map[string]json.RawMessage{"type": typeRaw, "text": textRaw}
		blocks = append([]map[string]json.RawMessage{newBlock}, blocks...)
		raw, err := json.Marshal(blocks)
		if err != nil {
			return nil, fmt.Errorf("memtransform: marshal anthropic system blocks: %w", err)
		}
		generic["system"] = raw
		return json.Marshal(generic)
	}

	raw, _ := json.Marshal(block)
	generic["system"] = raw
	return json.Marshal(generic)
}

func injectGoogle(generic map[string]json.RawMessage, block string) (json.RawMessage, error) {
	var si struct {
		Parts []map[string]json.RawMessage `json:"parts"`
	}
	if rawSI, ok := generic["systemInstruction"]; ok {
		_ = json.Unmarshal(rawSI, &si)
	}

	if len(si.Parts) == 0 {
		textRaw, _ := json.Marshal(block)
		si.Parts = []map[string]json.RawMessage{{"text": textRaw}}
	} else {
		var existingText string
		_ = json.Unmarshal(si.Parts[0]["text"], &existingText)
		combined := block + "\n\n" + existingText
		textRaw, _ := json.Marshal(combined)
		si.Parts[0]["text"] = textRaw
	}

	raw, err := json.Marshal(si)
	if err != nil {
		return nil, fmt.Errorf("memtransform: marshal systemInstruction: %w", err)
	}
	generic["systemInstruction"] = raw
	return json.Marshal(generic)
}

// ── Vault resolution bridge ─────────────────────────────────────────────────

// ReadScopes returns the scopes a retrieval should fan out across for this
// session-id (delegates to vault.ResolveReadScopes — exposed here since
// it's a KRONOS/memtransform concern per spec.md §4.3).
func ReadScopes(sessionID string) []string { return vault.ResolveReadScopes(sessionID) }

// WriteScope returns the scope a write should land in for this session-id.
func WriteScope(sessionID string) string { return vault.ResolveWriteScope(sessionID) }

// BuildQueryText builds the retrieval query string from the last ≤3
// conversation turns plus system instruction text (spec.md §4.9 step 4),
// used to produce the text the embedder embeds for KRONOS search.
func BuildQueryText(messages []ExtractedMessage, systemText string) string {
	n := 3
	start := len(messages) - n
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	if systemText != "" {
		sb.WriteString(systemText)
		sb.WriteString("\n")
	}
	for _, m := range messages[start:] {
		sb.WriteString(m.Text)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
