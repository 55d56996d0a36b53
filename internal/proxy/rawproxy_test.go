package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/memoryrouter/memoryrouter/internal/auth"
	anthropicprov "github.com/memoryrouter/memoryrouter/internal/providers/anthropic"
	"github.com/memoryrouter/memoryrouter/internal/vault"
)

func TestSplitModelAction(t *testing.T) {
	model, action, ok := splitModelAction("gemini-2.0-flash:generateContent")
	if !ok || model != "gemini-2.0-flash" || action != "generateContent" {
		t.Errorf("got (%q, %q, %v)", model, action, ok)
	}
	model, action, ok = splitModelAction("gemini-1.5-pro:streamGenerateContent")
	if !ok || model != "gemini-1.5-pro" || action != "streamGenerateContent" {
		t.Errorf("got (%q, %q, %v)", model, action, ok)
	}
	if _, _, ok := splitModelAction("no-action-here"); ok {
		t.Error("expected ok=false without a colon")
	}
}

func TestParseRawUsageAnthropic(t *testing.T) {
	body := []byte(`{
		"content": [
			{"type": "thinking", "thinking": "hmm"},
			{"type": "text", "text": "Hello "},
			{"type": "text", "text": "world"}
		],
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`)
	text, in, out := parseRawUsage("anthropic", body)
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if in != 12 || out != 7 {
		t.Errorf("tokens = (%d, %d), want (12, 7)", in, out)
	}
}

func TestParseRawUsageGoogle(t *testing.T) {
	body := []byte(`{
		"candidates": [{"content": {"parts": [{"text": "The answer"}, {"text": " is 42"}]}}],
		"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 4}
	}`)
	text, in, out := parseRawUsage("google", body)
	if text != "The answer is 42" {
		t.Errorf("text = %q", text)
	}
	if in != 9 || out != 4 {
		t.Errorf("tokens = (%d, %d), want (9, 4)", in, out)
	}
}

func TestParseRawUsageUnknownTagOrMalformed(t *testing.T) {
	if text, in, out := parseRawUsage("openai", []byte(`{}`)); text != "" || in != 0 || out != 0 {
		t.Error("unknown tag should yield zero values")
	}
	if text, _, _ := parseRawUsage("anthropic", []byte(`not json`)); text != "" {
		t.Error("malformed body should yield zero values")
	}
}

func TestParseRawStreamUsageAnthropic(t *testing.T) {
	body := []byte("event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":25}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":2}}` + "\n\n")

	text, in, out := parseRawStreamUsage("anthropic", body)
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
	if in != 25 || out != 2 {
		t.Errorf("tokens = (%d, %d), want (25, 2)", in, out)
	}
}

func TestParseRawStreamUsageGoogle(t *testing.T) {
	body := []byte(
		`data: {"candidates":[{"content":{"parts":[{"text":"chunk one "}]}}]}` + "\n\n" +
			`data: {"candidates":[{"content":{"parts":[{"text":"chunk two"}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":5}}` + "\n\n")

	text, in, out := parseRawStreamUsage("google", body)
	if text != "chunk one chunk two" {
		t.Errorf("text = %q", text)
	}
	if in != 3 || out != 5 {
		t.Errorf("tokens = (%d, %d), want (3, 5)", in, out)
	}
}

// TestHandleMessages_PassThroughIntegrity exercises the Anthropic-native
// endpoint end to end against a fake upstream: the forwarded body must equal
// the caller's body save for the system field, and the downstream body must
// be byte-equal to whatever the upstream returned — including thinking and
// tool_use blocks the SDKs don't model.
func TestHandleMessages_PassThroughIntegrity(t *testing.T) {
	upstreamResp := []byte(`{"id":"msg_01","type":"message","role":"assistant",` +
		`"content":[{"type":"thinking","thinking":"let me check"},{"type":"text","text":"done"},` +
		`{"type":"tool_use","id":"tu_1","name":"lookup","input":{"q":"x"}}],` +
		`"usage":{"input_tokens":5,"output_tokens":3}}`)

	var upstreamBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamBody, _ = io.ReadAll(r.Body)
		if r.URL.Path != "/messages" {
			t.Errorf("upstream path = %q, want /messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q, want sk-ant-test", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("missing anthropic-version header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(upstreamResp)
	}))
	defer upstream.Close()

	gw, deps, _ := newMemoryGateway(t, okProvider("openai"))
	gw.providers["anthropic"] = anthropicprov.New("sk-unused", anthropicprov.WithBaseURL(upstream.URL))
	deps.Auth.(*auth.MemoryStore).Seed(
		auth.MemoryKey{Key: "mk_test", UserID: "u1", Active: true},
		[]auth.ProviderKey{{Tag: "anthropic", APIKey: "sk-ant-test"}},
	)

	reqBody := []byte(`{"model":"claude-3-5-sonnet","max_tokens":128,` +
		`"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],` +
		`"thinking":{"type":"enabled","budget_tokens":1024},` +
		`"tools":[{"name":"lookup","input_schema":{"type":"object"}}]}`)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.SetRequestURI("/v1/messages")
	ctx.Request.Header.Set("x-api-key", "mk_test")
	ctx.Request.SetBody(reqBody)
	ctx.SetUserValue("request_id", "raw-1")

	gw.handleMessages(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	// Downstream: byte-equal relay of the upstream response.
	if !bytes.Equal(ctx.Response.Body(), upstreamResp) {
		t.Errorf("downstream body not byte-equal to upstream response:\n%s\nvs\n%s",
			ctx.Response.Body(), upstreamResp)
	}

	// Upstream: structurally equal to the caller's body save for the system
	// field (the empty vault retrieved nothing here, so no injection either).
	var sent, original map[string]interface{}
	if err := json.Unmarshal(upstreamBody, &sent); err != nil {
		t.Fatalf("upstream body not JSON: %v", err)
	}
	if err := json.Unmarshal(reqBody, &original); err != nil {
		t.Fatal(err)
	}
	delete(sent, "system")
	delete(original, "system")
	if !reflect.DeepEqual(sent, original) {
		t.Errorf("forwarded body diverges beyond the system field:\n%v\nvs\n%v", sent, original)
	}
}

// TestHandleMessages_StreamingTee drives a streamed /v1/messages call
// through a real server: the client must receive the upstream SSE body
// verbatim, and the background branch of the tee must parse the streamed
// deltas and buffer the assistant text into the caller's vault.
func TestHandleMessages_StreamingTee(t *testing.T) {
	sse := "event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":7}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"streamed answer"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":3}}` + "\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sse)
	}))
	defer upstream.Close()

	gw, deps, _ := newMemoryGateway(t, okProvider("openai"))
	gw.providers["anthropic"] = anthropicprov.New("sk-unused", anthropicprov.WithBaseURL(upstream.URL))
	deps.Auth.(*auth.MemoryStore).Seed(
		auth.MemoryKey{Key: "mk_test", UserID: "u1", Active: true},
		[]auth.ProviderKey{{Tag: "anthropic", APIKey: "sk-ant-test"}},
	)

	ln := fasthttputil.NewInmemoryListener()
	handler := applyMiddleware(
		func(fctx *fasthttp.RequestCtx) {
			if string(fctx.Path()) == "/v1/messages" {
				gw.handleMessages(fctx)
				return
			}
			fctx.SetStatusCode(404)
		},
		recovery, requestID, timing,
	)
	go func() { _ = fasthttp.Serve(ln, handler) }()
	defer ln.Close()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	req, err := http.NewRequest("POST", "http://test/v1/messages",
		strings.NewReader(`{"model":"claude-3-5-sonnet","stream":true,"max_tokens":64,`+
			`"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", "mk_test")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != sse {
		t.Errorf("relayed stream diverges from upstream:\n%q\nvs\n%q", got, sse)
	}

	// The tee's storage branch runs after the stream drains; the short
	// assistant text lands in the vault buffer rather than a cut chunk.
	deadline := time.Now().Add(2 * time.Second)
	for {
		buf := deps.Vaults.Get("mk_test", vault.CoreScope).BufferText()
		if strings.Contains(buf, "streamed answer") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("assistant text never reached the vault buffer, got %q", buf)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestHandleModelAction_RejectsUnknownAction covers the Google-native route's
// action validation.
func TestHandleModelAction_RejectsUnknownAction(t *testing.T) {
	gw, _, _ := newMemoryGateway(t, okProvider("openai"))

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.SetUserValue("modelAction", "gemini-2.0-flash:countTokens")
	ctx.SetUserValue("request_id", "raw-2")

	gw.handleModelAction(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
}
