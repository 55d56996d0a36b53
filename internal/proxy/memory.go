package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/memoryrouter/memoryrouter/internal/auth"
	"github.com/memoryrouter/memoryrouter/internal/billing"
	"github.com/memoryrouter/memoryrouter/internal/embedder"
	"github.com/memoryrouter/memoryrouter/internal/kronos"
	"github.com/memoryrouter/memoryrouter/internal/memtransform"
	"github.com/memoryrouter/memoryrouter/internal/providers"
	"github.com/memoryrouter/memoryrouter/internal/truncate"
	"github.com/memoryrouter/memoryrouter/internal/usage"
	"github.com/memoryrouter/memoryrouter/internal/vault"
	"github.com/memoryrouter/memoryrouter/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// MemoryDeps bundles the persistent-memory subsystems (C1-C5, C7, C8) that
// turn the bare proxy into MemoryRouter's request orchestrator (C9, spec.md
// §4.9). A Gateway with nil MemoryDeps behaves exactly like the bare proxy.
type MemoryDeps struct {
	Auth        auth.Store
	Vaults      *vault.Manager
	Embedder    embedder.Embedder
	Windows     kronos.Windows
	MaxParallel int
	Billing     *billing.Checkpoint
	Usage       usage.Sink
	// UsageStore backs the admin usage queries when the in-memory recorder
	// is active; nil under the ClickHouse sink, whose range and top-K
	// queries run server-side.
	UsageStore *usage.Store
	// UsageSinkName labels usage-event metrics ("memory" or "clickhouse").
	UsageSinkName string
	TopUpURL      string
	// AdminSecret, when non-empty, authorizes /v1/admin/* requests carrying
	// it in X-Admin-Secret — the alternative to an mk_admin* memory key.
	AdminSecret string
}

func headerSource(ctx *fasthttp.RequestCtx) memtransform.HeaderSource {
	peek := func(name string) string { return string(ctx.Request.Header.Peek(name)) }
	return memtransform.HeaderSource{
		Mode:          peek("X-Memory-Mode"),
		ContextLimit:  peek("X-Context-Limit"),
		StoreInput:    peek("X-Store-Input"),
		StoreResponse: peek("X-Store-Response"),
		SessionID:     peek("X-Session-ID"),
	}
}

// dispatchChatMemory implements the full per-request pipeline: authenticate,
// ensure balance, retrieve relevant memory via KRONOS, inject it into the
// request, truncate to the model's context budget, dispatch with failover,
// then store the exchange and settle usage in the background (spec.md §4.9).
func (g *Gateway) dispatchChatMemory(ctx *fasthttp.RequestCtx, start time.Time, route, reqID string, reqBytes int) {
	m := g.memory

	// 1. Authenticate.
	cred, ok := auth.ExtractCredential(
		string(ctx.Request.Header.Peek("Authorization")),
		string(ctx.Request.Header.Peek("x-api-key")),
		string(ctx.Request.Header.Peek("X-Memory-Key")),
	)
	if !ok {
		apierr.WriteAuth(ctx, apierr.CodeAuthMissing, "missing memory key credential")
		return
	}
	userCtx, err := auth.Authenticate(ctx, m.Auth, cred)
	if err != nil {
		switch err {
		case auth.ErrInactive:
			apierr.WriteAuth(ctx, apierr.CodeAuthInactive, "memory key inactive")
		default:
			apierr.WriteAuth(ctx, apierr.CodeAuthInvalid, "invalid memory key")
		}
		return
	}

	body := ctx.PostBody()

	var modelProbe struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &modelProbe)
	if modelProbe.Model == "" {
		apierr.WriteValidation(ctx, "field 'model' is required")
		return
	}

	extracted, err := memtransform.Extract(body, modelProbe.Model, headerSource(ctx))
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}
	if extracted.Options.SessionID != "" {
		userCtx.SessionID = extracted.Options.SessionID
	}

	providerName, strippedModel := resolveProvider(modelProbe.Model)

	// 2. Pre-request balance gate.
	estimated := int64(truncate.EstimateMessageTokens(memtransform.BuildQueryText(extracted.Messages, extracted.SystemText)))
	if m.Billing != nil {
		preview, err := m.Billing.EnsureBalance(ctx, userCtx.MemoryKey, estimated)
		if g.metrics != nil {
			g.metrics.RecordBalanceCheck(balanceCheckResult(err))
		}
		if err != nil {
			g.writePaymentRequired(ctx, err, preview, m.TopUpURL)
			return
		}
	}

	// 3. Retrieve relevant memory via KRONOS, unless the caller opted out.
	now := time.Now()
	retrieval := g.retrieveMemory(ctx, m, userCtx, extracted, now)

	// 4. Truncate to the model's context budget, then format and inject only
	// the chunks that survived the drop order.
	tmsgs := truncate.FromExtracted(extracted.Messages)
	var retrievedChunks []vault.ScoredChunk
	if retrieval != nil {
		retrievedChunks = retrieval.Chunks
	}
	trOut := truncate.Truncate(truncate.Input{
		Model:    modelProbe.Model,
		Messages: tmsgs,
		Chunks:   retrievedChunks,
		Windows:  m.Windows,
		Now:      now.UnixMilli(),
	})

	injected := extracted.CleanBody
	injectedTokens := 0
	if len(trOut.Chunks) > 0 {
		style := memtransform.StyleForModel(modelProbe.Model)
		block := memtransform.FormatMemoryBlock(style, g.bufferText(m, userCtx), trOut.Chunks, now, time.Local)
		if withBlock, err := memtransform.Inject(extracted.Shape, extracted.CleanBody, block); err == nil {
			injected = withBlock
		}
		injectedTokens = (len(block) + 3) / 4
	}

	mrProcessingMs := time.Since(start).Milliseconds()

	// Re-parse the (possibly memory-injected) body as the plain OpenAI shape
	// dispatchChat already knows how to forward — native pass-through shapes
	// are handled by the raw-proxy endpoints, not this handler. System
	// messages come from the injected body (they carry the memory block);
	// conversation turns come from the truncator's output.
	var inbound inboundRequest
	_ = json.Unmarshal(injected, &inbound)
	merged := make([]inboundMessage, 0, len(trOut.Messages)+1)
	for _, im := range inbound.Messages {
		if im.Role == "system" {
			merged = append(merged, im)
		}
	}
	for _, tm := range trOut.Messages {
		if tm.Role == "system" {
			continue
		}
		merged = append(merged, inboundMessage{Role: tm.Role, Content: tm.Text})
	}
	inbound.Messages = merged

	proxyReq := &providers.ProxyRequest{
		Model:       strippedModel,
		Messages:    toProviderMessages(inbound.Messages),
		Stream:      inbound.Stream,
		Temperature: inbound.Temperature,
		MaxTokens:   inbound.MaxTokens,
		RequestID:   reqID,
		MemoryKey:   userCtx.MemoryKey,
	}
	if pk, ok := userCtx.ProviderKeyFor(providerName); ok {
		proxyReq.APIKey = pk.APIKey
	}
	// Bring-your-own per-request key beats the stored provider key set.
	if byo := string(ctx.Request.Header.Peek("X-Provider-Key")); byo != "" {
		proxyReq.APIKey = byo
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	providerStart := time.Now()
	resp, usedProvider, err := g.requestWithFailover(provCtx, proxyReq, providerName, route)
	providerMs := time.Since(providerStart).Milliseconds()
	if err != nil {
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("memory_key", userCtx.MemoryKey),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		return
	}

	writeMemoryHeaders(ctx, userCtx, extracted.Options.Mode, retrieval, injectedTokens, trOut.Report,
		mrProcessingMs, providerMs, time.Since(start).Milliseconds())

	if inbound.Stream && resp.Stream != nil {
		writeSSE(ctx, resp, func(assistantText string, outputTokens int) {
			g.settleMemoryExchange(userCtx, extracted, assistantText, usedProvider, resp.Model,
				0, outputTokens, retrieval, reqID, start)
		})
		return
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      outboundMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	respBody, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(respBody)

	g.settleMemoryExchange(userCtx, extracted, resp.Content, usedProvider, resp.Model,
		resp.Usage.InputTokens, resp.Usage.OutputTokens, retrieval, reqID, start)
}

// settleMemoryExchange runs the post-response write path: persist the
// exchange into the caller's vault, deduct/bill for actual usage, and append
// a usage event. Errors here never reach the client — the response has
// already been written (spec.md §4.9 step 9: "background, never blocks the
// response").
func (g *Gateway) settleMemoryExchange(
	uc *auth.UserContext,
	extracted *memtransform.Extracted,
	assistantContent, provider, model string,
	inputTokens, outputTokens int,
	retrieval *kronos.RetrievalResult,
	reqID string,
	start time.Time,
) {
	m := g.memory
	go func() {
		bgCtx := context.Background()

		if extracted.Options.ShouldStore() && m.Vaults != nil && m.Embedder != nil {
			scope := memtransform.WriteScope(uc.SessionID)
			v := m.Vaults.Get(uc.MemoryKey, scope)
			storeCuts := func(text string, role vault.Role) {
				for _, cut := range v.StoreChunked(text, role) {
					vecs, embedErr := m.Embedder.Embed(bgCtx, []string{cut})
					if embedErr != nil || len(vecs) == 0 {
						continue
					}
					_, _ = v.Store(vecs[0], cut, role, model, reqID)
				}
			}
			// Clients resend the full transcript every turn; only the last
			// user message is new. Storing the rest would duplicate prior
			// turns once they age out of the dedup window.
			if extracted.Options.StoreInput {
				if msg, ok := lastUserMessage(extracted.Messages); ok && !msg.ExcludeMem {
					storeCuts(msg.Text, vault.Role(msg.Role))
				}
			}
			if extracted.Options.StoreResponse && assistantContent != "" {
				storeCuts(assistantContent, vault.RoleAssistant)
			}
		}

		totalTokens := int64(inputTokens + outputTokens)
		if m.Billing != nil {
			_ = m.Billing.RecordUsageAndDeduct(bgCtx, uc.MemoryKey, totalTokens)
		}

		if m.Usage != nil {
			retrievedTokens, injectedTokens := 0, 0
			if retrieval != nil {
				retrievedTokens = retrieval.TokenCount
				injectedTokens = retrieval.TokenCount
			}
			m.Usage.Write(bgCtx, usage.Event{
				ID:                    uuid.New(),
				Timestamp:             time.Now(),
				MemoryKey:             uc.MemoryKey,
				SessionID:             uc.SessionID,
				Model:                 model,
				Provider:              provider,
				InputTokens:           inputTokens,
				OutputTokens:          outputTokens,
				MemoryTokensRetrieved: retrievedTokens,
				MemoryTokensInjected:  injectedTokens,
				MRProcessingMs:        int(time.Since(start).Milliseconds()),
			})
			if g.metrics != nil {
				sink := m.UsageSinkName
				if sink == "" {
					sink = "memory"
				}
				g.metrics.RecordUsageEventWritten(sink)
			}
		}
	}()
}

// writePaymentRequired maps a billing error to its 402 sub-kind payload
// (spec.md §7 "PaymentRequired with sub-kinds").
func (g *Gateway) writePaymentRequired(ctx *fasthttp.RequestCtx, err error, preview *billing.PreviewBalance, topUpURL string) {
	switch err {
	case billing.ErrNoPaymentMethod:
		apierr.WritePaymentRequired(ctx, apierr.CodeNoPaymentMethod, "balance exhausted and no payment method on file",
			previewBalance(preview), previewFree(preview), topUpURL)
	case billing.ErrPaymentFailed:
		if g.metrics != nil {
			g.metrics.RecordPaymentFailure("auto_reup_charge")
		}
		apierr.WritePaymentRequired(ctx, apierr.CodePaymentFailed, "automatic reup charge failed",
			previewBalance(preview), previewFree(preview), topUpURL)
	case billing.ErrCapReached:
		apierr.WritePaymentRequired(ctx, apierr.CodeCapReached, "monthly spend cap reached",
			previewBalance(preview), previewFree(preview), topUpURL)
	default:
		apierr.WritePaymentRequired(ctx, apierr.CodeBlocked, "account blocked",
			previewBalance(preview), previewFree(preview), topUpURL)
	}
}

func balanceCheckResult(err error) string {
	switch err {
	case nil:
		return "allow"
	case billing.ErrNoPaymentMethod:
		return "no_payment_method"
	case billing.ErrPaymentFailed:
		return "payment_failed"
	case billing.ErrCapReached:
		return "cap_reached"
	default:
		return "blocked"
	}
}

// lastUserMessage returns the most recent user-authored turn, the only
// inbound message a stateless chat API delivers for the first time on this
// request.
func lastUserMessage(msgs []memtransform.ExtractedMessage) (memtransform.ExtractedMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i], true
		}
	}
	return memtransform.ExtractedMessage{}, false
}

func previewBalance(p *billing.PreviewBalance) int64 {
	if p == nil {
		return 0
	}
	return p.BalanceCents
}

func previewFree(p *billing.PreviewBalance) int64 {
	if p == nil {
		return 0
	}
	return p.FreeTokensRemaining
}

func toProviderMessages(msgs []inboundMessage) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// recencyBiasFor maps a contextLimit slot budget to a KRONOS recency bias:
// tight budgets skew toward HOT, generous ones spread evenly (spec.md §4.3).
func recencyBiasFor(contextLimit int) kronos.RecencyBias {
	switch {
	case contextLimit <= 10:
		return kronos.BiasHigh
	case contextLimit >= 50:
		return kronos.BiasLow
	default:
		return kronos.BiasMedium
	}
}

// retrieveMemoryBlock runs KRONOS retrieval and formats the result into an
// injectable block (spec.md §4.3 "KRONOS Retrieval", §4.4 "Memory Block
// Formatting"). Used by the native pass-through endpoints, where no
// truncation pass reshapes the chunk set after retrieval. Returns an empty
// block when retrieval is disabled, unconfigured, or finds nothing; the
// result is nil in the first two cases and the empty result in the third.
func (g *Gateway) retrieveMemoryBlock(
	ctx *fasthttp.RequestCtx,
	m *MemoryDeps,
	userCtx *auth.UserContext,
	extracted *memtransform.Extracted,
	model string,
	now time.Time,
) (string, *kronos.RetrievalResult) {
	retrieval := g.retrieveMemory(ctx, m, userCtx, extracted, now)
	if retrieval == nil || len(retrieval.Chunks) == 0 {
		return "", retrieval
	}
	style := memtransform.StyleForModel(model)
	return memtransform.FormatMemoryBlock(style, g.bufferText(m, userCtx), retrieval.Chunks, now, time.Local), retrieval
}

// bufferText reads the write-scope vault's un-promoted buffer, the
// "[MOST RECENT]" block of a formatted memory injection (spec.md §4.4).
func (g *Gateway) bufferText(m *MemoryDeps, userCtx *auth.UserContext) string {
	if m.Vaults == nil {
		return ""
	}
	return m.Vaults.Get(userCtx.MemoryKey, memtransform.WriteScope(userCtx.SessionID)).BufferText()
}

// retrieveMemory embeds the query, resolves the read scopes, and executes
// the KRONOS plan. Returns nil when retrieval is disabled or unavailable —
// the request proceeds without memory either way (spec.md §7
// RetrievalUnavailable).
func (g *Gateway) retrieveMemory(
	ctx *fasthttp.RequestCtx,
	m *MemoryDeps,
	userCtx *auth.UserContext,
	extracted *memtransform.Extracted,
	now time.Time,
) *kronos.RetrievalResult {
	if !extracted.Options.ShouldRetrieve() || m.Vaults == nil || m.Embedder == nil {
		return nil
	}

	queryText := memtransform.BuildQueryText(extracted.Messages, extracted.SystemText)
	vecs, embedErr := m.Embedder.Embed(ctx, []string{queryText})
	if embedErr != nil || len(vecs) == 0 {
		return nil
	}
	queryVec := vecs[0]

	scopes := memtransform.ReadScopes(extracted.Options.SessionID)
	refs := make([]kronos.VaultRef, 0, len(scopes))
	for _, scope := range scopes {
		refs = append(refs, kronos.VaultRef{Scope: scope, Vault: m.Vaults.Get(userCtx.MemoryKey, scope)})
	}
	maxParallel := m.MaxParallel
	if maxParallel <= 0 {
		maxParallel = kronos.DefaultMaxParallel
	}
	windows := m.Windows
	temporal := kronos.DetectTemporalIntent(queryText, now, windows)
	req := kronos.Request{
		QueryVec:    queryVec,
		N:           limitFor(extracted.Options.ContextLimit),
		Bias:        recencyBiasFor(extracted.Options.ContextLimit),
		Windows:     windows,
		Now:         now,
		MaxParallel: maxParallel,
	}
	if temporal.HasIntent {
		req.Temporal = &temporal
	}

	retrieval, retErr := kronos.Execute(ctx, refs, req)
	if retErr != nil || retrieval == nil || len(retrieval.Chunks) == 0 {
		return retrieval
	}

	if g.metrics != nil {
		tokensByWindow := map[kronos.Window]int{}
		for _, sc := range retrieval.Chunks {
			w := windows.Classify(sc.Chunk.CreatedAtMs, now)
			tokensByWindow[w] += (len(sc.Chunk.Content) + 3) / 4
		}
		g.metrics.RecordRetrieval("hot", tokensByWindow[kronos.Hot], retrieval.Breakdown.Hot)
		g.metrics.RecordRetrieval("working", tokensByWindow[kronos.Working], retrieval.Breakdown.Working)
		g.metrics.RecordRetrieval("longterm", tokensByWindow[kronos.LongTerm], retrieval.Breakdown.LongTerm)
	}

	return retrieval
}

// writeMemoryHeaders sets the response headers spec.md §4.9 step 6 requires
// on every memory-aware response, streaming or not: processing/provider/total
// timings, retrieval stats, the active memory mode and key, the session id
// when present, and truncation details when the truncator dropped anything.
func writeMemoryHeaders(
	ctx *fasthttp.RequestCtx,
	uc *auth.UserContext,
	mode memtransform.Mode,
	retrieval *kronos.RetrievalResult,
	injectedTokens int,
	report truncate.Report,
	mrProcessingMs, providerMs, totalMs int64,
) {
	h := &ctx.Response.Header
	h.Set("X-MR-Processing-Ms", strconv.FormatInt(mrProcessingMs, 10))
	h.Set("X-Provider-Response-Ms", strconv.FormatInt(providerMs, 10))
	h.Set("X-Total-Ms", strconv.FormatInt(totalMs, 10))

	retrievedTokens, retrievedChunks := 0, 0
	if retrieval != nil {
		retrievedTokens = retrieval.TokenCount
		retrievedChunks = len(retrieval.Chunks)
	}
	h.Set("X-Memory-Tokens-Retrieved", strconv.Itoa(retrievedTokens))
	h.Set("X-Memory-Chunks-Retrieved", strconv.Itoa(retrievedChunks))
	h.Set("X-Memory-Tokens-Injected", strconv.Itoa(injectedTokens))
	h.Set("X-Memory-Mode", string(mode))
	h.Set("X-Memory-Key", uc.MemoryKey)
	if uc.SessionID != "" {
		h.Set("X-Session-ID", uc.SessionID)
	}

	debug := len(ctx.Request.Header.Peek("X-Debug")) > 0
	if report.Truncated {
		h.Set("X-MemoryRouter-Truncated", "true")
	}
	if report.Truncated || debug {
		if details, err := json.Marshal(report.Details); err == nil {
			h.Set("X-MemoryRouter-Truncated-Details", string(details))
		}
	}
}

// writeTimingHeaders sets the processing/provider/total timing headers on
// their own, for routes that have no memory context to report (the bare
// proxy path run with MEMORY_ENABLED=false).
func writeTimingHeaders(ctx *fasthttp.RequestCtx, mrProcessingMs, providerMs, totalMs int64) {
	h := &ctx.Response.Header
	h.Set("X-MR-Processing-Ms", strconv.FormatInt(mrProcessingMs, 10))
	h.Set("X-Provider-Response-Ms", strconv.FormatInt(providerMs, 10))
	h.Set("X-Total-Ms", strconv.FormatInt(totalMs, 10))
}

func limitFor(contextLimit int) int {
	if contextLimit <= 0 {
		return 30
	}
	return contextLimit
}
