package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	porter "github.com/akarpov/porter/internal"
)

func TestClient_CompleteBearerAuth(t *testing.T) {
	t.Parallel()

	var gotAuth, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		w.Write([]byte(`{"id":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(&Endpoint{
		Name:        "openai",
		DefaultBase: srv.URL,
		ChatPath:    "/v1/chat/completions",
		AuthHeader:  "Authorization",
		AuthFormat:  "Bearer %s",
	}, srv.Client())

	body, err := c.Complete(context.Background(), "", "gpt-4o", Credential{Key: "sk-live-abc123def456"}, []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"id":"ok"}` {
		t.Errorf("body = %s, want raw response", body)
	}
	if gotAuth != "Bearer sk-live-abc123def456" {
		t.Errorf("Authorization = %q, want Bearer prefix", gotAuth)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotCT)
	}
}

func TestClient_CompleteHeaderAuthAndExtras(t *testing.T) {
	t.Parallel()

	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(&Endpoint{
		Name:        "anthropic",
		DefaultBase: srv.URL,
		ChatPath:    "/v1/messages",
		AuthHeader:  "x-api-key",
		Headers:     map[string]string{"anthropic-version": "2023-06-01"},
	}, srv.Client())

	if _, err := c.Complete(context.Background(), "", "m", Credential{Key: "sk-live-abc123def456"}, nil); err != nil {
		t.Fatal(err)
	}
	if gotKey != "sk-live-abc123def456" {
		t.Errorf("x-api-key = %q, want raw key", gotKey)
	}
	if gotVersion != "2023-06-01" {
		t.Errorf("anthropic-version = %q, want pinned version", gotVersion)
	}
}

func TestClient_CredentialOverridesEndpointAuth(t *testing.T) {
	t.Parallel()

	var gotCustom, gotDefault string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Proxy-Key")
		gotDefault = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(&Endpoint{
		Name:        "openai",
		DefaultBase: srv.URL,
		ChatPath:    "/x",
		AuthHeader:  "Authorization",
		AuthFormat:  "Bearer %s",
	}, srv.Client())

	cred := Credential{Key: "tok-777", AuthHeader: "X-Proxy-Key", AuthFormat: "Key {key}"}
	if _, err := c.Complete(context.Background(), "", "m", cred, nil); err != nil {
		t.Fatal(err)
	}
	if gotCustom != "Key tok-777" {
		t.Errorf("X-Proxy-Key = %q, want credential header with {key} format", gotCustom)
	}
	if gotDefault != "" {
		t.Errorf("Authorization = %q, want endpoint default suppressed", gotDefault)
	}
}

func TestFormatAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"", "k1"},
		{"Bearer %s", "Bearer k1"},
		{"Bearer {key}", "Bearer k1"},
		{"{key}", "k1"},
	}
	for _, tt := range tests {
		if got := formatAuth(tt.format, "k1"); got != tt.want {
			t.Errorf("formatAuth(%q) = %q, want %q", tt.format, got, tt.want)
		}
	}
}

func TestClient_KeyInQueryAndModelSubstitution(t *testing.T) {
	t.Parallel()

	var gotURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(&Endpoint{
		Name:        "gemini",
		DefaultBase: srv.URL,
		ChatPath:    "/v1beta/models/{model}:generateContent",
		StreamPath:  "/v1beta/models/{model}:streamGenerateContent?alt=sse",
		KeyInQuery:  true,
	}, srv.Client())

	if _, err := c.Complete(context.Background(), "", "gemini-pro", Credential{Key: "qkey123456"}, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(gotURL, "/v1beta/models/gemini-pro:generateContent") {
		t.Errorf("url = %q, want {model} substituted", gotURL)
	}
	if !strings.Contains(gotURL, "key=qkey123456") {
		t.Errorf("url = %q, want key in query", gotURL)
	}

	// The stream path already carries a query string, so the key joins with &.
	ch, err := c.Stream(context.Background(), "", "gemini-pro", Credential{Key: "qkey123456"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	if !strings.Contains(gotURL, "alt=sse&key=qkey123456") {
		t.Errorf("stream url = %q, want &key appended", gotURL)
	}
}

func TestClient_APIBaseOverride(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(&Endpoint{
		Name:        "openai",
		DefaultBase: "https://unreachable.invalid",
		ChatPath:    "/v1/chat/completions",
	}, srv.Client())

	// A trailing slash on the override must not produce a double slash.
	if _, err := c.Complete(context.Background(), srv.URL+"/", "m", Credential{Key: "k"}, nil); err != nil {
		t.Fatal(err)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		header http.Header
		check  func(t *testing.T, err error)
	}{
		{
			name:   "401 unauthorized",
			status: 401,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, porter.ErrUnauthorized) {
					t.Errorf("err = %v, want ErrUnauthorized", err)
				}
			},
		},
		{
			name:   "429 with retry-after",
			status: 429,
			header: http.Header{"Retry-After": []string{"17"}},
			check: func(t *testing.T, err error) {
				var retry *porter.RetryAfterError
				if !errors.As(err, &retry) {
					t.Fatalf("err = %v, want RetryAfterError", err)
				}
				if retry.Seconds != 17 {
					t.Errorf("retry seconds = %d, want 17", retry.Seconds)
				}
				if !errors.Is(err, porter.ErrRateLimited) {
					t.Error("RetryAfterError should match ErrRateLimited")
				}
			},
		},
		{
			name:   "500 unavailable",
			status: 500,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, porter.ErrUnavailable) {
					t.Errorf("err = %v, want ErrUnavailable", err)
				}
			},
		},
		{
			name:   "400 passthrough",
			status: 400,
			check: func(t *testing.T, err error) {
				var api *APIError
				if !errors.As(err, &api) {
					t.Fatalf("err = %v, want APIError", err)
				}
				if api.StatusCode != 400 {
					t.Errorf("status = %d, want 400", api.StatusCode)
				}
				if api.Message != "model field missing" {
					t.Errorf("message = %q, want extracted upstream message", api.Message)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, vs := range tt.header {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"model field missing"}}`))
			}))
			t.Cleanup(srv.Close)

			c := NewClient(&Endpoint{Name: "openai", DefaultBase: srv.URL, ChatPath: "/x"}, srv.Client())
			_, err := c.Complete(context.Background(), "", "m", Credential{Key: "k"}, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			tt.check(t, err)
		})
	}
}

func TestClient_TransportErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	c := NewClient(&Endpoint{Name: "openai", DefaultBase: srv.URL, ChatPath: "/x"}, nil)
	_, err := c.Complete(context.Background(), "", "m", Credential{Key: "k"}, nil)
	if !errors.Is(err, porter.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestClient_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(&Endpoint{Name: "openai", DefaultBase: srv.URL, ChatPath: "/x"}, srv.Client())
	_, err := c.Complete(ctx, "", "m", Credential{Key: "k"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClient_Stream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\n"))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(&Endpoint{Name: "openai", DefaultBase: srv.URL, ChatPath: "/x"}, srv.Client())
	ch, err := c.Stream(context.Background(), "", "m", Credential{Key: "k"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var payloads []string
	for r := range ch {
		if r.Err != nil {
			t.Fatal(r.Err)
		}
		payloads = append(payloads, string(r.Data))
	}
	if len(payloads) != 2 {
		t.Fatalf("payloads = %v, want 2 (DONE terminates)", payloads)
	}
	if payloads[0] != `{"n":1}` || payloads[1] != `{"n":2}` {
		t.Errorf("payloads = %v", payloads)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	for _, ep := range Defaults() {
		r.Register(ep)
	}

	ep, err := r.Get("anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if ep.ChatPath != "/v1/messages" {
		t.Errorf("chat path = %q, want /v1/messages", ep.ChatPath)
	}

	if _, err := r.Get("nonesuch"); err == nil {
		t.Error("unknown provider should error")
	}

	names := r.List()
	want := []string{"anthropic", "deepseek", "gemini", "openai"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want sorted %v", names, want)
		}
	}
}

func TestExtractMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body string
		want string
	}{
		{`{"error":{"message":"bad"}}`, "bad"},
		{`{"error":"flat"}`, "flat"},
		{`{"message":"top"}`, "top"},
		{`plain text `, "plain text"},
		{``, ""},
	}
	for _, tt := range tests {
		if got := ExtractMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("ExtractMessage(%q) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
