package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Unique file-based temp DB per test to avoid shared :memory: races.
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProviderKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	key := &porter.ProviderKey{
		Provider:         "openai",
		Secret:           "enc:opaque-ciphertext",
		Masked:           "sk-l********",
		Enabled:          true,
		Priority:         2,
		AuthHeader:       "X-Api-Key",
		AuthFormat:       "{key}",
		RequestsCount:    10,
		SuccessCount:     9,
		TotalTokens:      1500,
		InputTokens:      1100,
		OutputTokens:     400,
		TotalCost:        0.25,
		AvgLatency:       120.5,
		RateLimitedUntil: &until,
		LastError:        "429 too many requests",
	}

	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}
	if key.ID == 0 {
		t.Fatal("create should assign an ID")
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}
	got := keys[0]
	if got.Secret != key.Secret {
		t.Errorf("secret = %q, want %q", got.Secret, key.Secret)
	}
	if got.Masked != key.Masked {
		t.Errorf("masked = %q, want %q", got.Masked, key.Masked)
	}
	if !got.Enabled {
		t.Error("enabled should round-trip true")
	}
	if got.AuthHeader != "X-Api-Key" || got.AuthFormat != "{key}" {
		t.Errorf("auth shape = %q/%q, want X-Api-Key/{key}", got.AuthHeader, got.AuthFormat)
	}
	if got.RateLimitedUntil == nil || !got.RateLimitedUntil.Equal(until) {
		t.Errorf("rate_limited_until = %v, want %v", got.RateLimitedUntil, until)
	}
	if got.LastError != key.LastError {
		t.Errorf("last_error = %q, want %q", got.LastError, key.LastError)
	}
	if got.InputTokens != 1100 || got.OutputTokens != 400 {
		t.Errorf("token split = %d/%d, want 1100/400", got.InputTokens, got.OutputTokens)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}

	// Update stats and rotation state.
	got.RequestsCount = 20
	got.FlaggedForRotation = true
	got.Enabled = false
	now := time.Now().UTC().Truncate(time.Second)
	got.LastUsedAt = &now
	if err := s.UpdateKey(ctx, &got); err != nil {
		t.Fatal("update:", err)
	}
	keys, _ = s.ListKeys(ctx)
	if keys[0].RequestsCount != 20 {
		t.Errorf("requests_count = %d, want 20", keys[0].RequestsCount)
	}
	if !keys[0].FlaggedForRotation {
		t.Error("flagged_for_rotation should be true after update")
	}
	if keys[0].Enabled {
		t.Error("enabled should be false after update")
	}
	if keys[0].LastUsedAt == nil {
		t.Error("last_used_at should be set after update")
	}

	if err := s.DeleteKey(ctx, got.ID); err != nil {
		t.Fatal("delete:", err)
	}
	keys, _ = s.ListKeys(ctx)
	if len(keys) != 0 {
		t.Fatalf("list count after delete = %d, want 0", len(keys))
	}
}

func TestUpdateKeyNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpdateKey(ctx, &porter.ProviderKey{ID: 42, Provider: "openai"})
	if !errors.Is(err, porter.ErrNotFound) {
		t.Errorf("update missing key err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteKey(ctx, 42); !errors.Is(err, porter.ErrNotFound) {
		t.Errorf("delete missing key err = %v, want ErrNotFound", err)
	}
}

func TestModelConfigRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	mc := &porter.ModelConfig{
		RouteKey:       "claude-sonnet",
		TargetModel:    "claude-sonnet-4",
		Provider:       "anthropic",
		APIBase:        "https://api.anthropic.com",
		AuthHeader:     "x-api-key",
		AuthFormat:     "{key}",
		Enabled:        true,
		Priority:       5,
		PromptKeywords: []string{"code", "refactor"},
		Description:    "coding workloads",
	}

	if err := s.CreateModelConfig(ctx, mc); err != nil {
		t.Fatal("create:", err)
	}
	if mc.ID == 0 {
		t.Fatal("create should assign an ID")
	}

	configs, err := s.ListModelConfigs(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(configs) != 1 {
		t.Fatalf("list count = %d, want 1", len(configs))
	}
	got := configs[0]
	if got.TargetModel != "claude-sonnet-4" {
		t.Errorf("target_model = %q, want %q", got.TargetModel, "claude-sonnet-4")
	}
	if got.APIBase != mc.APIBase {
		t.Errorf("api_base = %q, want %q", got.APIBase, mc.APIBase)
	}
	if got.AuthHeader != "x-api-key" || got.AuthFormat != "{key}" {
		t.Errorf("auth shape = %q/%q, want x-api-key/{key}", got.AuthHeader, got.AuthFormat)
	}
	if len(got.PromptKeywords) != 2 || got.PromptKeywords[0] != "code" {
		t.Errorf("prompt_keywords = %v, want [code refactor]", got.PromptKeywords)
	}

	got.Enabled = false
	got.PromptKeywords = nil
	if err := s.UpdateModelConfig(ctx, &got); err != nil {
		t.Fatal("update:", err)
	}
	configs, _ = s.ListModelConfigs(ctx)
	if configs[0].Enabled {
		t.Error("enabled should be false after update")
	}
	if configs[0].PromptKeywords != nil {
		t.Errorf("prompt_keywords = %v, want nil after clearing", configs[0].PromptKeywords)
	}

	if err := s.DeleteModelConfig(ctx, got.ID); err != nil {
		t.Fatal("delete:", err)
	}
	if err := s.DeleteModelConfig(ctx, got.ID); !errors.Is(err, porter.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestRequestLogInsertAndQuery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logs := []porter.RequestLog{
		{
			ID:             "log-1",
			CreatedAt:      base,
			SourceAPI:      "/v1/chat/completions",
			TargetAPI:      "/openai/chat/completions",
			SourceModel:    "gpt-4o",
			TargetModel:    "gpt-4o",
			Provider:       "openai",
			RequestBody:    json.RawMessage(`{"model":"gpt-4o"}`),
			ResponseBody:   json.RawMessage(`{"id":"cmpl-1"}`),
			StatusCode:     200,
			ProcessingTime: 340,
		},
		{
			ID:             "log-2",
			CreatedAt:      base.Add(time.Minute),
			SourceAPI:      "/v1/chat/completions",
			TargetAPI:      "/anthropic/chat/completions",
			SourceModel:    "claude-sonnet",
			TargetModel:    "claude-sonnet-4",
			Provider:       "anthropic",
			StatusCode:     503,
			ErrorMessage:   "circuit open",
			ProcessingTime: 5,
		},
	}

	if err := s.InsertRequestLogs(ctx, logs); err != nil {
		t.Fatal("insert:", err)
	}
	if err := s.InsertRequestLogs(ctx, nil); err != nil {
		t.Fatal("empty insert should be a no-op, got:", err)
	}

	// Unfiltered query returns newest first.
	out, err := s.QueryRequestLogs(ctx, storage.RequestLogFilter{})
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(out) != 2 {
		t.Fatalf("query count = %d, want 2", len(out))
	}
	if out[0].ID != "log-2" {
		t.Errorf("first result = %q, want log-2 (newest first)", out[0].ID)
	}
	if string(out[1].RequestBody) != `{"model":"gpt-4o"}` {
		t.Errorf("request_body = %s, want original JSON", out[1].RequestBody)
	}
	if out[0].ErrorMessage != "circuit open" {
		t.Errorf("error_message = %q, want %q", out[0].ErrorMessage, "circuit open")
	}

	// Provider filter.
	out, err = s.QueryRequestLogs(ctx, storage.RequestLogFilter{Provider: "openai"})
	if err != nil {
		t.Fatal("query provider:", err)
	}
	if len(out) != 1 || out[0].ID != "log-1" {
		t.Fatalf("provider filter = %v, want [log-1]", out)
	}

	// Model filter matches either source or target model.
	out, err = s.QueryRequestLogs(ctx, storage.RequestLogFilter{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatal("query model:", err)
	}
	if len(out) != 1 || out[0].ID != "log-2" {
		t.Fatalf("model filter = %v, want [log-2]", out)
	}

	// Time window.
	out, err = s.QueryRequestLogs(ctx, storage.RequestLogFilter{
		Since: base.Add(30 * time.Second).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal("query since:", err)
	}
	if len(out) != 1 || out[0].ID != "log-2" {
		t.Fatalf("since filter = %v, want [log-2]", out)
	}

	// Pagination.
	out, err = s.QueryRequestLogs(ctx, storage.RequestLogFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal("query page:", err)
	}
	if len(out) != 1 || out[0].ID != "log-1" {
		t.Fatalf("page 2 = %v, want [log-1]", out)
	}

	n, err := s.CountRequestLogs(ctx, storage.RequestLogFilter{})
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	n, _ = s.CountRequestLogs(ctx, storage.RequestLogFilter{Provider: "anthropic"})
	if n != 1 {
		t.Errorf("anthropic count = %d, want 1", n)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal("ping:", err)
	}
}
