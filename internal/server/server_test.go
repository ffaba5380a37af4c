package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/adapter"
	"github.com/akarpov/porter/internal/app"
	"github.com/akarpov/porter/internal/circuitbreaker"
	"github.com/akarpov/porter/internal/keypool"
	"github.com/akarpov/porter/internal/multimodal"
	"github.com/akarpov/porter/internal/provider"
	"github.com/akarpov/porter/internal/secret"
	"github.com/akarpov/porter/internal/testutil"
)

const testAdminToken = "admin-token-0001"

// serverFixture wires the full handler stack against one fake upstream that
// serves both the openai and anthropic endpoints.
func serverFixture(t *testing.T, upstream http.Handler) (http.Handler, *testutil.FakeStore) {
	t.Helper()

	ts := httptest.NewServer(upstream)
	t.Cleanup(ts.Close)

	cipher, err := secret.NewCipher("master-secret-0123456789")
	if err != nil {
		t.Fatal(err)
	}
	enc, err := cipher.Encrypt("sk-live-unit-test-key")
	if err != nil {
		t.Fatal(err)
	}

	pool := keypool.New(keypool.NewRoundRobin(), keypool.DefaultPricing())
	pool.Load([]porter.ProviderKey{
		{ID: 1, Provider: "openai", Enabled: true, Secret: enc},
		{ID: 2, Provider: "anthropic", Enabled: true, Secret: enc},
	})

	store := testutil.NewFakeStore()
	store.AddModelConfig(porter.ModelConfig{
		ID: 1, RouteKey: "chat-test", TargetModel: "gpt-4o", Provider: "openai", Enabled: true,
	})
	store.AddModelConfig(porter.ModelConfig{
		ID: 2, RouteKey: "claude-sonnet", TargetModel: "claude-sonnet-4", Provider: "anthropic", Enabled: true,
	})

	router := app.NewRouterService(store, pool, nil)

	clients := map[string]*provider.Client{
		"openai": provider.NewClient(&provider.Endpoint{
			Name:        "openai",
			DefaultBase: ts.URL,
			ChatPath:    "/v1/chat/completions",
			AuthHeader:  "Authorization",
			AuthFormat:  "Bearer %s",
		}, ts.Client()),
		"anthropic": provider.NewClient(&provider.Endpoint{
			Name:        "anthropic",
			DefaultBase: ts.URL,
			ChatPath:    "/v1/messages",
			AuthHeader:  "x-api-key",
		}, ts.Client()),
	}

	completion := app.NewCompletionService(
		router,
		pool,
		adapter.NewRegistry(adapter.Defaults()...),
		clients,
		circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		multimodal.NewProcessor(nil),
		cipher,
		nil,
		nil,
	)

	h := New(Deps{
		Completion: completion,
		Router:     router,
		Keys:       app.NewKeyAdmin(store, pool, cipher),
		Store:      store,
		AdminToken: testAdminToken,
	})
	return h, store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleChatCompletion(t *testing.T) {
	t.Parallel()

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hi!"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	})
	h, _ := serverFixture(t, upstream)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"chat-test","messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if got := gjson.Get(rec.Body.String(), "id").String(); got != "cmpl-1" {
		t.Errorf("id = %q, want cmpl-1", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
}

func TestHandleChatCompletion_ErrorEnvelope(t *testing.T) {
	t.Parallel()

	h, _ := serverFixture(t, http.NotFoundHandler())

	// Missing model.
	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "invalid_request_error" {
		t.Errorf("error type = %q, want invalid_request_error", got)
	}

	// Unroutable model.
	rec = doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"totally-unknown","messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "not_found_error" {
		t.Errorf("error type = %q, want not_found_error", got)
	}
	if got := gjson.Get(rec.Body.String(), "error.message").String(); got == "" {
		t.Error("error message should not be empty")
	}
}

func TestHandleChatCompletion_RetryAfterHeader(t *testing.T) {
	t.Parallel()

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	})
	h, _ := serverFixture(t, upstream)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"chat-test","messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want upstream hint forwarded", got)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "rate_limit_error" {
		t.Errorf("error type = %q, want rate_limit_error", got)
	}
}

func TestHandleChatCompletion_StreamFraming(t *testing.T) {
	t.Parallel()

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"cmpl-2\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n"))
		w.Write([]byte("data: {\"id\":\"cmpl-2\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	})
	h, _ := serverFixture(t, upstream)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"chat-test","stream":true,"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body should terminate with a DONE frame, got tail %q", tail(body))
	}
	var deltas []string
	for _, frame := range strings.Split(body, "\n\n") {
		payload, found := strings.CutPrefix(frame, "data: ")
		if !found || payload == "[DONE]" {
			continue
		}
		deltas = append(deltas, gjson.Get(payload, "choices.0.delta.content").String())
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Errorf("streamed deltas = %v, want Hello in total", deltas)
	}
}

func TestHandleChatCompletion_StreamMidErrorFrame(t *testing.T) {
	t.Parallel()

	// The anthropic upstream fails mid-stream; the relay must surface an
	// error frame and still close the stream with DONE.
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":3}}}\n\n"))
		w.Write([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n"))
		w.Write([]byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"overloaded\"}}\n\n"))
	})
	h, _ := serverFixture(t, upstream)

	rec := doJSON(t, h, http.MethodPost, "/v1/chat/completions",
		`{"model":"claude-sonnet","stream":true,"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (stream already started)", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"message":`) || !strings.Contains(body, "overloaded") {
		t.Errorf("body should carry the upstream error frame, got %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("error stream should still terminate with DONE, got tail %q", tail(body))
	}
}

func TestHandleMessages_Translated(t *testing.T) {
	t.Parallel()

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-4","object":"chat.completion","model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Bonjour"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`))
	})
	h, _ := serverFixture(t, upstream)

	// An Anthropic-dialect request routed to an openai model comes back
	// re-rendered in the Messages shape.
	rec := doJSON(t, h, http.MethodPost, "/v1/messages",
		`{"model":"chat-test","max_tokens":100,"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	out := rec.Body.String()
	if got := gjson.Get(out, "type").String(); got != "message" {
		t.Errorf("type = %q, want message", got)
	}
	if got := gjson.Get(out, "content.0.text").String(); got != "Bonjour" {
		t.Errorf("content = %q, want translated completion text", got)
	}
	if got := gjson.Get(out, "usage.input_tokens").Int(); got != 4 {
		t.Errorf("input_tokens = %d, want 4", got)
	}
}

func TestHandleMessages_NativePassthrough(t *testing.T) {
	t.Parallel()

	// The marker field survives only if the upstream body is forwarded
	// verbatim instead of round-tripping through the canonical shape.
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4",
			"content":[{"type":"text","text":"Salut"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":3,"output_tokens":1},"upstream_extra":"kept"}`))
	})
	h, _ := serverFixture(t, upstream)

	rec := doJSON(t, h, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet","max_tokens":100,"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	out := rec.Body.String()
	if got := gjson.Get(out, "upstream_extra").String(); got != "kept" {
		t.Errorf("upstream_extra = %q, want native body passed through", got)
	}
	if got := gjson.Get(out, "content.0.text").String(); got != "Salut" {
		t.Errorf("content = %q, want Salut", got)
	}
}

func TestHandleMessages_StreamTranslated(t *testing.T) {
	t.Parallel()

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"cmpl-5\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hey\"}}]}\n\n"))
		w.Write([]byte("data: {\"id\":\"cmpl-5\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	})
	h, _ := serverFixture(t, upstream)

	rec := doJSON(t, h, http.MethodPost, "/v1/messages",
		`{"model":"chat-test","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}

	body := rec.Body.String()
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "message_delta", "message_stop"} {
		if !strings.Contains(body, "event: "+event+"\n") {
			t.Errorf("stream missing %s event:\n%s", event, body)
		}
	}
	if !strings.Contains(body, `"text":"Hey"`) {
		t.Errorf("stream missing delta text:\n%s", body)
	}
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()

	h, _ := serverFixture(t, http.NotFoundHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/keys", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if got := gjson.Get(rec.Body.String(), "data.#").Int(); got != 2 {
		t.Errorf("keys listed = %d, want 2", got)
	}
	if s := gjson.Get(rec.Body.String(), "data.0.secret").String(); s != "" {
		t.Error("listed keys must not expose secrets")
	}
}

func TestAdminCreateKeyWithAuthShape(t *testing.T) {
	t.Parallel()

	h, store := serverFixture(t, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodPost, "/admin/keys", strings.NewReader(
		`{"provider":"openai","key":"sk-live-new-key-value","auth_header":"X-Api-Key","auth_format":"{key}"}`))
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	keys, err := store.ListKeys(req.Context())
	if err != nil {
		t.Fatal(err)
	}
	created := keys[len(keys)-1]
	if created.AuthHeader != "X-Api-Key" || created.AuthFormat != "{key}" {
		t.Errorf("persisted auth shape = %q/%q, want X-Api-Key/{key}", created.AuthHeader, created.AuthFormat)
	}
}

// tail returns the last 80 bytes of s for failure messages.
func tail(s string) string {
	if len(s) > 80 {
		return s[len(s)-80:]
	}
	return s
}
