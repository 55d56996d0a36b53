package proxy

import (
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/memoryrouter/memoryrouter/internal/auth"
	"github.com/memoryrouter/memoryrouter/pkg/apierr"
)

// rawPathProvider is implemented by providers exposed on the unmodelled raw
// surface (audio, images): endpoints the SDKs don't wrap at all, forwarded
// by full request path rather than a single named endpoint (spec.md §4.6
// "raw pass-through, no memory/billing").
type rawPathProvider interface {
	BaseURL() string
	AuthHeaders(apiKey string) map[string]string
}

// handleAudioPassthrough and handleImagesPassthrough forward
// POST /v1/audio/{action} and POST /v1/images/{action} to OpenAI verbatim:
// no memory retrieval, no vault storage, no truncation, no billing (spec.md
// §4.6). Multipart bodies (audio transcriptions/translations, image
// edits/variations) are relayed byte-for-byte including the original
// Content-Type boundary.
func (g *Gateway) handleAudioPassthrough(ctx *fasthttp.RequestCtx) {
	action, _ := ctx.UserValue("action").(string)
	g.dispatchRawPath(ctx, "/audio/"+action)
}

func (g *Gateway) handleImagesPassthrough(ctx *fasthttp.RequestCtx) {
	action, _ := ctx.UserValue("action").(string)
	g.dispatchRawPath(ctx, "/images/"+action)
}

func (g *Gateway) dispatchRawPath(ctx *fasthttp.RequestCtx, suffix string) {
	op, ok := g.providers["openai"].(rawPathProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "openai is not configured for raw pass-through",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	apiKey := ""
	if g.memory != nil && g.memory.Auth != nil {
		cred, ok := auth.ExtractCredential(
			string(ctx.Request.Header.Peek("Authorization")),
			string(ctx.Request.Header.Peek("x-api-key")),
			string(ctx.Request.Header.Peek("X-Memory-Key")),
		)
		if !ok {
			apierr.WriteAuth(ctx, apierr.CodeAuthMissing, "missing memory key credential")
			return
		}
		userCtx, err := auth.Authenticate(ctx, g.memory.Auth, cred)
		if err != nil {
			switch err {
			case auth.ErrInactive:
				apierr.WriteAuth(ctx, apierr.CodeAuthInactive, "memory key inactive")
			default:
				apierr.WriteAuth(ctx, apierr.CodeAuthInvalid, "invalid memory key")
			}
			return
		}
		apiKey = rawProviderAPIKey(ctx, userCtx, "openai")
	}
	if apiKey == "" {
		apierr.Write(ctx, fasthttp.StatusBadGateway, "no openai provider key configured for this memory key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	endpoint := op.BaseURL() + suffix

	upReq := fasthttp.AcquireRequest()
	upResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(upReq)
	defer fasthttp.ReleaseResponse(upResp)

	upReq.SetRequestURI(endpoint)
	upReq.Header.SetMethod(fasthttp.MethodPost)
	if ct := ctx.Request.Header.Peek("Content-Type"); len(ct) > 0 {
		upReq.Header.SetContentTypeBytes(ct)
	}
	for k, v := range op.AuthHeaders(apiKey) {
		upReq.Header.Set(k, v)
	}
	upReq.SetBody(ctx.PostBody())

	client := &fasthttp.Client{
		ReadTimeout:  g.providerTimeout,
		WriteTimeout: g.providerTimeout,
	}
	if err := client.DoTimeout(upReq, upResp, g.providerTimeout); err != nil {
		g.log.Error("raw_path_pass_through_error", slog.String("path", suffix), slog.String("error", err.Error()))
		apierr.WriteProviderError(ctx, fasthttp.StatusBadGateway, "upstream request failed")
		return
	}

	if ct := upResp.Header.Peek("Content-Type"); len(ct) > 0 {
		ctx.Response.Header.SetContentTypeBytes(ct)
	}
	ctx.SetStatusCode(upResp.StatusCode())
	ctx.SetBody(append([]byte(nil), upResp.Body()...))
}
