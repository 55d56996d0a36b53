package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/memoryrouter/memoryrouter/internal/auth"
	"github.com/memoryrouter/memoryrouter/internal/kronos"
	"github.com/memoryrouter/memoryrouter/internal/memtransform"
	"github.com/memoryrouter/memoryrouter/internal/providers"
	"github.com/memoryrouter/memoryrouter/internal/truncate"
	"github.com/memoryrouter/memoryrouter/pkg/apierr"
)

// handleMessages implements POST /v1/messages — the Anthropic-native
// pass-through endpoint. The request body is forwarded to Anthropic
// byte-for-byte except for the memory block, which is injected into (or
// creates) the top-level "system" field; no other reshaping happens
// (spec.md §4.6 "Non-conversion rule"). Anthropic signals streaming in the
// body's "stream" field rather than the URL, so it is probed here alongside
// the model.
func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	var probe struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	_ = json.Unmarshal(ctx.PostBody(), &probe)
	g.dispatchRawRequest(ctx, "anthropic", probe.Model, probe.Stream)
}

// handleModelAction implements both POST /v1/models/{model}:generateContent
// and POST /v1/models/{model}:streamGenerateContent — the Google-native
// pass-through. fasthttp/router matches whole path segments, so the route
// captures "{model}:action" as one param and the action suffix is split
// out here.
func (g *Gateway) handleModelAction(ctx *fasthttp.RequestCtx) {
	raw, _ := ctx.UserValue("modelAction").(string)
	model, action, ok := splitModelAction(raw)
	if !ok {
		apierr.WriteValidation(ctx, "unrecognized /v1/models path")
		return
	}

	var stream bool
	switch action {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		apierr.WriteValidation(ctx, fmt.Sprintf("unrecognized /v1/models action %q", action))
		return
	}

	g.dispatchRawRequest(ctx, "google", model, stream)
}

func splitModelAction(raw string) (model, action string, ok bool) {
	i := strings.LastIndex(raw, ":")
	if i < 0 {
		return "", "", false
	}
	return raw[:i], raw[i+1:], true
}

// dispatchRawRequest runs the shared native pass-through pipeline: identity,
// balance, KRONOS retrieval, system-field injection, verbatim forward to the
// provider's native endpoint, verbatim relay of the response (spec.md §4.6).
// Unlike dispatchChatMemory it never builds a providers.ProxyRequest and
// never goes through a provider SDK — tag resolves directly to a
// providers.RawProvider.
func (g *Gateway) dispatchRawRequest(ctx *fasthttp.RequestCtx, tag, model string, stream bool) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	m := g.memory
	if m == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, "memory pipeline not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if model == "" {
		apierr.WriteValidation(ctx, "model is required")
		return
	}

	rp, ok := g.providers[tag].(providers.RawProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("provider %q is not configured for native pass-through", tag),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

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

	extracted, err := memtransform.Extract(ctx.PostBody(), model, headerSource(ctx))
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}
	if extracted.Options.SessionID != "" {
		userCtx.SessionID = extracted.Options.SessionID
	}

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

	// 3. KRONOS retrieval + injection into the system carrier only — every
	// other field of the original body passes through untouched.
	now := time.Now()
	block, retrieval := g.retrieveMemoryBlock(ctx, m, userCtx, extracted, model, now)

	outBody := extracted.CleanBody
	injectedTokens := 0
	if block != "" {
		if withBlock, err := memtransform.Inject(extracted.Shape, outBody, block); err == nil {
			outBody = withBlock
			injectedTokens = (len(block) + 3) / 4
		}
	}

	// 4. Resolve the upstream endpoint and credential, then forward verbatim.
	endpoint, err := rp.Endpoint(model, stream)
	if err != nil {
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	apiKey := rawProviderAPIKey(ctx, userCtx, tag)
	if apiKey == "" {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("no %s provider key configured for this memory key", tag),
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	mrProcessingMs := time.Since(start).Milliseconds()

	upReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(upReq)

	upReq.SetRequestURI(endpoint)
	upReq.Header.SetMethod(fasthttp.MethodPost)
	upReq.Header.SetContentType("application/json")
	for k, v := range rp.AuthHeaders(apiKey) {
		upReq.Header.Set(k, v)
	}
	// The caller's beta opt-ins ride along untouched (spec.md §6
	// "anthropic-beta (forwarded)"); OAuth credentials already set their own.
	if beta := ctx.Request.Header.Peek("anthropic-beta"); len(beta) > 0 && len(upReq.Header.Peek("anthropic-beta")) == 0 {
		upReq.Header.SetBytesV("anthropic-beta", beta)
	}
	upReq.SetBody(outBody)

	if stream {
		g.relayRawStream(ctx, upReq, tag, model, userCtx, extracted, retrieval, reqID, start, mrProcessingMs, injectedTokens)
		return
	}

	upResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(upResp)

	client := &fasthttp.Client{
		ReadTimeout:  g.providerTimeout,
		WriteTimeout: g.providerTimeout,
	}
	providerStart := time.Now()
	err = client.DoTimeout(upReq, upResp, g.providerTimeout)
	providerMs := time.Since(providerStart).Milliseconds()
	if err != nil {
		g.log.ErrorContext(ctx, "raw_pass_through_error",
			slog.String("request_id", reqID),
			slog.String("tag", tag),
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		apierr.WriteProviderError(ctx, fasthttp.StatusBadGateway, "upstream request failed")
		return
	}

	status := upResp.StatusCode()
	respBody := append([]byte(nil), upResp.Body()...)

	if ct := upResp.Header.Peek("Content-Type"); len(ct) > 0 {
		ctx.Response.Header.SetContentTypeBytes(ct)
	} else {
		ctx.SetContentType("application/json")
	}
	writeMemoryHeaders(ctx, userCtx, extracted.Options.Mode, retrieval, injectedTokens, truncate.Report{},
		mrProcessingMs, providerMs, time.Since(start).Milliseconds())
	ctx.SetStatusCode(status)
	ctx.SetBody(respBody)

	if status < fasthttp.StatusOK || status >= fasthttp.StatusMultipleChoices {
		return
	}

	assistantText, inTok, outTok := parseRawUsage(tag, respBody)
	g.settleMemoryExchange(userCtx, extracted, assistantText, tag, model, inTok, outTok, retrieval, reqID, start)
}

// relayRawStream is the streaming half of dispatchRawRequest: it opens the
// upstream call with a streamed response body and tees it — one branch
// written to the client chunk by chunk as it arrives, the other accumulated
// for the background parse/store/bill pass once the stream drains (spec.md
// §4.6 "Streaming tee"). Headers go out as soon as the upstream's first
// byte arrives; provider latency is measured to that point.
func (g *Gateway) relayRawStream(
	ctx *fasthttp.RequestCtx,
	upReq *fasthttp.Request,
	tag, model string,
	userCtx *auth.UserContext,
	extracted *memtransform.Extracted,
	retrieval *kronos.RetrievalResult,
	reqID string,
	start time.Time,
	mrProcessingMs int64,
	injectedTokens int,
) {
	upResp := fasthttp.AcquireResponse()

	client := &fasthttp.Client{
		ReadTimeout:        g.providerTimeout,
		WriteTimeout:       g.providerTimeout,
		StreamResponseBody: true,
	}
	providerStart := time.Now()
	err := client.Do(upReq, upResp)
	providerMs := time.Since(providerStart).Milliseconds()
	if err != nil {
		fasthttp.ReleaseResponse(upResp)
		g.log.ErrorContext(ctx, "raw_stream_error",
			slog.String("request_id", reqID),
			slog.String("tag", tag),
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		apierr.WriteProviderError(ctx, fasthttp.StatusBadGateway, "upstream request failed")
		return
	}

	status := upResp.StatusCode()
	if ct := upResp.Header.Peek("Content-Type"); len(ct) > 0 {
		ctx.Response.Header.SetContentTypeBytes(ct)
	} else {
		ctx.SetContentType("text/event-stream")
	}
	writeMemoryHeaders(ctx, userCtx, extracted.Options.Mode, retrieval, injectedTokens, truncate.Report{},
		mrProcessingMs, providerMs, time.Since(start).Milliseconds())
	ctx.SetStatusCode(status)

	// Upstream errors come back as a single JSON body, not SSE — relay it
	// buffered and skip storage/billing.
	if status < fasthttp.StatusOK || status >= fasthttp.StatusMultipleChoices {
		ctx.SetBody(append([]byte(nil), upResp.Body()...))
		fasthttp.ReleaseResponse(upResp)
		return
	}

	bodyStream := upResp.BodyStream()
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer fasthttp.ReleaseResponse(upResp)

		var tee bytes.Buffer
		buf := make([]byte, 4096)
		for {
			n, readErr := bodyStream.Read(buf)
			if n > 0 {
				_, _ = w.Write(buf[:n])
				_ = w.Flush()
				tee.Write(buf[:n])
			}
			if readErr != nil {
				break
			}
		}

		assistantText, inTok, outTok := parseRawStreamUsage(tag, tee.Bytes())
		g.settleMemoryExchange(userCtx, extracted, assistantText, tag, model, inTok, outTok, retrieval, reqID, start)
	})
}

// rawProviderAPIKey resolves the upstream credential: the caller's
// configured provider key, unless X-Memory-Key pass-through mode is active,
// in which case the caller's own Authorization/x-api-key header is
// forwarded as-is (spec.md §3 "Provider key set").
func rawProviderAPIKey(ctx *fasthttp.RequestCtx, uc *auth.UserContext, tag string) string {
	if byo := string(ctx.Request.Header.Peek("X-Provider-Key")); byo != "" {
		return byo
	}
	if uc.PassThrough {
		if raw := string(ctx.Request.Header.Peek("Authorization")); raw != "" {
			return stripBearer(raw)
		}
		if raw := string(ctx.Request.Header.Peek("x-api-key")); raw != "" {
			return raw
		}
	}
	if pk, ok := uc.ProviderKeyFor(tag); ok {
		return pk.APIKey
	}
	return ""
}

func stripBearer(header string) string {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return header
}

// parseRawUsage extracts the assistant's text (for vault storage) and token
// usage (for billing/usage events) from a native provider response body.
// Best-effort: malformed or unrecognised shapes yield zero values rather
// than an error, since the response has already been relayed to the caller.
func parseRawUsage(tag string, body []byte) (text string, inputTokens, outputTokens int) {
	switch tag {
	case "anthropic":
		var r struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return "", 0, 0
		}
		var b strings.Builder
		for _, c := range r.Content {
			if c.Type == "text" {
				b.WriteString(c.Text)
			}
		}
		return b.String(), r.Usage.InputTokens, r.Usage.OutputTokens

	case "google":
		var r struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
			UsageMetadata struct {
				PromptTokenCount     int `json:"promptTokenCount"`
				CandidatesTokenCount int `json:"candidatesTokenCount"`
			} `json:"usageMetadata"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return "", 0, 0
		}
		var b strings.Builder
		if len(r.Candidates) > 0 {
			for _, p := range r.Candidates[0].Content.Parts {
				b.WriteString(p.Text)
			}
		}
		return b.String(), r.UsageMetadata.PromptTokenCount, r.UsageMetadata.CandidatesTokenCount

	default:
		return "", 0, 0
	}
}

// parseRawStreamUsage is parseRawUsage's SSE counterpart: it walks each
// "data:" line of a relayed native stream, accumulating assistant text
// (content_block_delta for Anthropic, candidate parts for Google) and
// reading usage counters from message_start / message_delta events where
// present (spec.md §4.6 "Streaming tee").
func parseRawStreamUsage(tag string, body []byte) (text string, inputTokens, outputTokens int) {
	var b strings.Builder
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(line[len("data:"):])
		if payload == "" || payload == "[DONE]" {
			continue
		}

		switch tag {
		case "anthropic":
			var ev struct {
				Type  string `json:"type"`
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
				Message struct {
					Usage struct {
						InputTokens int `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if json.Unmarshal([]byte(payload), &ev) != nil {
				continue
			}
			switch ev.Type {
			case "content_block_delta":
				b.WriteString(ev.Delta.Text)
			case "message_start":
				inputTokens = ev.Message.Usage.InputTokens
			case "message_delta":
				if ev.Usage.OutputTokens > 0 {
					outputTokens = ev.Usage.OutputTokens
				}
			}

		case "google":
			// Each ?alt=sse data line is a full GenerateContentResponse.
			chunkText, in, out := parseRawUsage("google", []byte(payload))
			b.WriteString(chunkText)
			if in > 0 {
				inputTokens = in
			}
			if out > 0 {
				outputTokens = out
			}
		}
	}
	return b.String(), inputTokens, outputTokens
}
