package proxy

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/memoryrouter/memoryrouter/internal/auth"
	"github.com/memoryrouter/memoryrouter/internal/vault"
	"github.com/memoryrouter/memoryrouter/pkg/apierr"
)

// requireAdmin authenticates the request and confirms the caller is an
// admin memory key (spec.md §6 "/admin/*"). Returns nil when the caller is
// not authorized — the handler must return immediately in that case, the
// error response has already been written.
func (g *Gateway) requireAdmin(ctx *fasthttp.RequestCtx) *auth.UserContext {
	m := g.memory
	if m == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, "memory pipeline not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return nil
	}

	if m.AdminSecret != "" {
		if secret := string(ctx.Request.Header.Peek("X-Admin-Secret")); secret == m.AdminSecret {
			return &auth.UserContext{IsAdmin: true}
		}
	}

	cred, ok := auth.ExtractCredential(
		string(ctx.Request.Header.Peek("Authorization")),
		string(ctx.Request.Header.Peek("x-api-key")),
		string(ctx.Request.Header.Peek("X-Memory-Key")),
	)
	if !ok {
		apierr.WriteAuth(ctx, apierr.CodeAuthMissing, "missing memory key credential")
		return nil
	}
	userCtx, err := auth.Authenticate(ctx, m.Auth, cred)
	if err != nil {
		apierr.WriteAuth(ctx, apierr.CodeAuthInvalid, "invalid memory key")
		return nil
	}
	if !userCtx.IsAdmin {
		apierr.WriteAuth(ctx, apierr.CodeAuthInvalid, "admin memory key required")
		return nil
	}
	return userCtx
}

// handleAdminReembed re-embeds every stored chunk across every vault with
// the currently configured Embedder, preserving each chunk's role, model
// label, request id and original timestamp (spec.md §6 "reembed").
func (g *Gateway) handleAdminReembed(ctx *fasthttp.RequestCtx) {
	if g.requireAdmin(ctx) == nil {
		return
	}
	m := g.memory
	if m.Embedder == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, "no embedder configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	reembedded, failed := 0, 0
	for _, v := range m.Vaults.All() {
		chunks := v.Export()
		v.Reset()
		for _, c := range chunks {
			vecs, err := m.Embedder.Embed(ctx, []string{c.Content})
			if err != nil || len(vecs) == 0 {
				failed++
				continue
			}
			if _, err := v.StoreAt(vecs[0], c.Content, c.Role, c.Model, c.RequestID, c.CreatedAtMs); err != nil {
				failed++
				continue
			}
			reembedded++
		}
	}

	writeJSON(ctx, map[string]any{"reembedded": reembedded, "failed": failed})
}

// handleAdminVaultReset implements POST /v1/admin/vaults/{memoryKey}/{scope}/reset.
func (g *Gateway) handleAdminVaultReset(ctx *fasthttp.RequestCtx) {
	if g.requireAdmin(ctx) == nil {
		return
	}
	memoryKey, _ := ctx.UserValue("memoryKey").(string)
	scope, _ := ctx.UserValue("scope").(string)

	g.memory.Vaults.Reset(memoryKey, scope)
	writeJSON(ctx, map[string]string{"status": "reset"})
}

// handleAdminVaultStats implements GET /v1/admin/vaults/{memoryKey}/{scope}/stats.
func (g *Gateway) handleAdminVaultStats(ctx *fasthttp.RequestCtx) {
	if g.requireAdmin(ctx) == nil {
		return
	}
	memoryKey, _ := ctx.UserValue("memoryKey").(string)
	scope, _ := ctx.UserValue("scope").(string)

	stats := g.memory.Vaults.Get(memoryKey, scope).Stats()
	writeJSON(ctx, stats)
}

// handleAdminDebugStorage implements GET /v1/admin/debug-storage/{memoryKey}
// — a raw chunk dump across every scope registered for memoryKey, for
// support/debugging (spec.md §6).
func (g *Gateway) handleAdminDebugStorage(ctx *fasthttp.RequestCtx) {
	if g.requireAdmin(ctx) == nil {
		return
	}
	memoryKey, _ := ctx.UserValue("memoryKey").(string)

	out := make(map[string][]vault.Chunk)
	for _, k := range g.memory.Vaults.KeysForMemoryKey(memoryKey) {
		out[k.Scope] = g.memory.Vaults.Get(k.MemoryKey, k.Scope).ExportRaw()
	}
	writeJSON(ctx, out)
}

// handleAdminUsageQuery implements GET /v1/admin/usage/{memoryKey}?from=&to=
// against the in-memory usage recorder (dates as 2006-01-02; both default to
// a trailing 30-day window).
func (g *Gateway) handleAdminUsageQuery(ctx *fasthttp.RequestCtx) {
	if g.requireAdmin(ctx) == nil {
		return
	}
	if g.memory.UsageStore == nil {
		apierr.Write(ctx, fasthttp.StatusNotImplemented, "usage queries run against the analytics backend in this deployment",
			apierr.TypeServerError, apierr.CodeNotImplemented)
		return
	}
	memoryKey, _ := ctx.UserValue("memoryKey").(string)

	from, to := usageRange(ctx)
	writeJSON(ctx, g.memory.UsageStore.Query(memoryKey, from, to))
}

// handleAdminUsageTop implements GET /v1/admin/usage-top?k=&from=&to=.
func (g *Gateway) handleAdminUsageTop(ctx *fasthttp.RequestCtx) {
	if g.requireAdmin(ctx) == nil {
		return
	}
	if g.memory.UsageStore == nil {
		apierr.Write(ctx, fasthttp.StatusNotImplemented, "usage queries run against the analytics backend in this deployment",
			apierr.TypeServerError, apierr.CodeNotImplemented)
		return
	}

	k := ctx.QueryArgs().GetUintOrZero("k")
	if k <= 0 {
		k = 10
	}
	from, to := usageRange(ctx)
	writeJSON(ctx, g.memory.UsageStore.TopK(k, from, to))
}

func usageRange(ctx *fasthttp.RequestCtx) (from, to time.Time) {
	to = time.Now()
	from = to.AddDate(0, 0, -30)
	if raw := string(ctx.QueryArgs().Peek("from")); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			from = t
		}
	}
	if raw := string(ctx.QueryArgs().Peek("to")); raw != "" {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			to = t.Add(24*time.Hour - time.Nanosecond)
		}
	}
	return from, to
}

type providerKeyPayload struct {
	Tag      string `json:"tag"`
	APIKey   string `json:"apiKey"`
	Endpoint string `json:"endpoint,omitempty"`
}

// handleAdminProviderKeysGet implements GET /v1/admin/provider-keys/{memoryKey}.
// Keys are never returned verbatim — only the redacted preview.
func (g *Gateway) handleAdminProviderKeysGet(ctx *fasthttp.RequestCtx) {
	userCtx := g.requireAdmin(ctx)
	if userCtx == nil {
		return
	}
	memoryKey, _ := ctx.UserValue("memoryKey").(string)

	rec, err := g.memory.Auth.Resolve(ctx, memoryKey)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "memory key not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	keys, _ := g.memory.Auth.ProviderKeys(ctx, rec.UserID)

	out := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]string{"tag": k.Tag, "preview": k.Preview()})
	}
	writeJSON(ctx, out)
}

// handleAdminProviderKeysPut implements POST /v1/admin/provider-keys/{memoryKey}
// — create or replace a single provider key.
func (g *Gateway) handleAdminProviderKeysPut(ctx *fasthttp.RequestCtx) {
	userCtx := g.requireAdmin(ctx)
	if userCtx == nil {
		return
	}
	memoryKey, _ := ctx.UserValue("memoryKey").(string)

	admin, ok := g.memory.Auth.(auth.AdminStore)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotImplemented, "auth store does not support provider-key writes",
			apierr.TypeServerError, apierr.CodeNotImplemented)
		return
	}

	var payload providerKeyPayload
	if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil || payload.Tag == "" || payload.APIKey == "" {
		apierr.WriteValidation(ctx, "tag and apiKey are required")
		return
	}

	rec, err := g.memory.Auth.Resolve(ctx, memoryKey)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "memory key not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if err := admin.SetProviderKey(ctx, rec.UserID, auth.ProviderKey{
		Tag: payload.Tag, APIKey: payload.APIKey, Endpoint: payload.Endpoint,
	}); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to store provider key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleAdminProviderKeysDelete implements DELETE /v1/admin/provider-keys/{memoryKey}?tag=...
func (g *Gateway) handleAdminProviderKeysDelete(ctx *fasthttp.RequestCtx) {
	userCtx := g.requireAdmin(ctx)
	if userCtx == nil {
		return
	}
	memoryKey, _ := ctx.UserValue("memoryKey").(string)
	tag := string(ctx.QueryArgs().Peek("tag"))
	if tag == "" {
		apierr.WriteValidation(ctx, "tag query parameter is required")
		return
	}

	admin, ok := g.memory.Auth.(auth.AdminStore)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotImplemented, "auth store does not support provider-key writes",
			apierr.TypeServerError, apierr.CodeNotImplemented)
		return
	}

	rec, err := g.memory.Auth.Resolve(ctx, memoryKey)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "memory key not found", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := admin.DeleteProviderKey(ctx, rec.UserID, tag); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to delete provider key",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, map[string]string{"status": "deleted"})
}

// uploadRecord is one line of a bulk memory import (spec.md §6
// "/v1/memory/upload"). Role and Timestamp are optional — role defaults to
// "user", timestamp defaults to the time the line is processed.
type uploadRecord struct {
	Content   string `json:"content"`
	Role      string `json:"role,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds
}

const maxUploadLines = 100_000

// handleMemoryUpload implements POST /v1/memory/upload — bulk JSONL import
// into the caller's vault. Each line is combined into the same
// sentence-boundary chunking pipeline regular conversation storage uses,
// so small records merge toward TARGET_TOKENS and oversized ones split.
func (g *Gateway) handleMemoryUpload(ctx *fasthttp.RequestCtx) {
	m := g.memory
	if m == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable, "memory pipeline not configured",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

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
		apierr.WriteAuth(ctx, apierr.CodeAuthInvalid, "invalid memory key")
		return
	}

	if m.Billing != nil {
		if _, err := m.Billing.EnsureBalance(ctx, userCtx.MemoryKey, 0); err != nil {
			apierr.WritePaymentRequired(ctx, apierr.CodeNoPaymentMethod, "a payment method is required to import memory",
				0, 0, m.TopUpURL)
			return
		}
	}

	sessionID := string(ctx.QueryArgs().Peek("sessionId"))
	scope := vault.ResolveWriteScope(sessionID)
	v := m.Vaults.Get(userCtx.MemoryKey, scope)

	lines := splitJSONLines(ctx.PostBody())
	if len(lines) > maxUploadLines {
		apierr.WriteValidation(ctx, "upload exceeds the 100000-line limit")
		return
	}

	imported, skipped := 0, 0
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var rec uploadRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.Content == "" {
			skipped++
			continue
		}

		role := vault.RoleUser
		if rec.Role != "" {
			role = vault.Role(rec.Role)
		}
		createdAtMs := rec.Timestamp
		if createdAtMs == 0 {
			createdAtMs = time.Now().UnixMilli()
		}

		for _, cut := range v.StoreChunked(rec.Content, role) {
			if m.Embedder == nil {
				continue
			}
			vecs, embedErr := m.Embedder.Embed(ctx, []string{cut})
			if embedErr != nil || len(vecs) == 0 {
				continue
			}
			if _, err := v.StoreAt(vecs[0], cut, role, "", "", createdAtMs); err == nil {
				imported++
			}
		}
	}

	writeJSON(ctx, map[string]any{"imported": imported, "skipped": skipped})
}

func splitJSONLines(body []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range body {
		if b == '\n' {
			lines = append(lines, trimCR(body[start:i]))
			start = i + 1
		}
	}
	if start < len(body) {
		lines = append(lines, trimCR(body[start:]))
	}
	return lines
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
