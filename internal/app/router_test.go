package app

import (
	"context"
	"errors"
	"testing"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/testutil"
)

// fakeAvailability reports key availability from a fixed set.
type fakeAvailability struct {
	providers map[string]bool
}

func (f *fakeAvailability) HasAvailable(provider string) bool { return f.providers[provider] }

func routerFixture(t *testing.T, avail map[string]bool, configs ...porter.ModelConfig) *RouterService {
	t.Helper()
	store := testutil.NewFakeStore()
	for _, c := range configs {
		store.AddModelConfig(c)
	}
	return NewRouterService(store, &fakeAvailability{providers: avail}, nil)
}

func enabledConfig(id int64, routeKey, targetModel, provider string) porter.ModelConfig {
	return porter.ModelConfig{
		ID:          id,
		RouteKey:    routeKey,
		TargetModel: targetModel,
		Provider:    provider,
		Enabled:     true,
	}
}

func TestResolve_ExactRouteKey(t *testing.T) {
	t.Parallel()

	rs := routerFixture(t, map[string]bool{"anthropic": true},
		enabledConfig(1, "claude-sonnet", "claude-sonnet-4", "anthropic"))

	res, err := rs.Resolve(context.Background(), "claude-sonnet")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != 1 || res.Config.TargetModel != "claude-sonnet-4" {
		t.Errorf("resolution = stage %d / %q, want stage 1 / claude-sonnet-4", res.Stage, res.Config.TargetModel)
	}
}

func TestResolve_ExactTargetModel(t *testing.T) {
	t.Parallel()

	rs := routerFixture(t, map[string]bool{"anthropic": true},
		enabledConfig(1, "claude-sonnet", "claude-sonnet-4", "anthropic"))

	res, err := rs.Resolve(context.Background(), "claude-sonnet-4")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != 2 {
		t.Errorf("stage = %d, want 2", res.Stage)
	}
}

func TestResolve_TransformRuleFallback(t *testing.T) {
	t.Parallel()

	// No config matches "gpt-4o" directly; the default rule table retargets
	// gpt-family names to deepseek.
	rs := routerFixture(t, map[string]bool{"deepseek": true},
		enabledConfig(1, "reasoner", "deepseek-reasoner", "deepseek"))

	res, err := rs.Resolve(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != 3 || res.Config.Provider != "deepseek" {
		t.Errorf("resolution = stage %d / %s, want stage 3 / deepseek", res.Stage, res.Config.Provider)
	}
}

func TestResolve_ProviderPrefixWeakMatch(t *testing.T) {
	t.Parallel()

	rs := routerFixture(t, map[string]bool{"mistral": true},
		enabledConfig(1, "chat-fr", "mistral-large", "mistral"))

	res, err := rs.Resolve(context.Background(), "mistral-large-unknown")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != 4 {
		t.Errorf("stage = %d, want 4 (provider prefix)", res.Stage)
	}
}

func TestResolve_KeywordMatch(t *testing.T) {
	t.Parallel()

	cfg := enabledConfig(1, "coder", "deepseek-reasoner", "deepseek")
	cfg.PromptKeywords = []string{"turbo", "instruct"}
	rs := routerFixture(t, map[string]bool{"deepseek": true}, cfg)

	res, err := rs.Resolve(context.Background(), "mystery-Instruct-v2")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != 4 || res.Config.RouteKey != "coder" {
		t.Errorf("resolution = stage %d / %s, want keyword match", res.Stage, res.Config.RouteKey)
	}
}

func TestResolve_RouteKeySubstringBothWays(t *testing.T) {
	t.Parallel()

	rs := routerFixture(t, map[string]bool{"openai": true},
		enabledConfig(1, "gpt-4o-2024-11-20", "gpt-4o-2024-11-20", "openai"))

	// The requested name is a substring of the route key.
	res, err := rs.Resolve(context.Background(), "4o-2024")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != 4 {
		t.Errorf("stage = %d, want 4 (route key substring)", res.Stage)
	}
}

func TestResolve_DefaultChatRoute(t *testing.T) {
	t.Parallel()

	rs := routerFixture(t, map[string]bool{"openai": true},
		enabledConfig(1, "chat", "gpt-4o", "openai"))

	res, err := rs.Resolve(context.Background(), "mystery-model")
	if err != nil {
		t.Fatal(err)
	}
	if res.Stage != 5 {
		t.Errorf("stage = %d, want 5 (default route)", res.Stage)
	}
}

func TestResolve_ModelNotFound(t *testing.T) {
	t.Parallel()

	rs := routerFixture(t, map[string]bool{"openai": true},
		enabledConfig(1, "other", "gpt-4o", "openai"))

	_, err := rs.Resolve(context.Background(), "mystery-model")
	if !errors.Is(err, porter.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestResolve_NoAvailableKey(t *testing.T) {
	t.Parallel()

	// The route matches but its provider has no usable keys.
	rs := routerFixture(t, map[string]bool{},
		enabledConfig(1, "claude-sonnet", "claude-sonnet-4", "anthropic"))

	_, err := rs.Resolve(context.Background(), "claude-sonnet")
	if !errors.Is(err, porter.ErrNoAvailableKey) {
		t.Errorf("err = %v, want ErrNoAvailableKey", err)
	}
}

func TestResolve_KeylessConfigSkipped(t *testing.T) {
	t.Parallel()

	// Two configs match; the first one's provider is dry, so resolution
	// falls through to the second.
	rs := routerFixture(t, map[string]bool{"openai": true},
		enabledConfig(1, "chat", "claude-sonnet-4", "anthropic"),
		enabledConfig(2, "chat", "gpt-4o", "openai"))

	res, err := rs.Resolve(context.Background(), "chat")
	if err != nil {
		t.Fatal(err)
	}
	if res.Config.Provider != "openai" {
		t.Errorf("provider = %s, want openai (keyless anthropic skipped)", res.Config.Provider)
	}
}

func TestResolve_DisabledConfigIgnored(t *testing.T) {
	t.Parallel()

	cfg := enabledConfig(1, "claude-sonnet", "claude-sonnet-4", "anthropic")
	cfg.Enabled = false
	rs := routerFixture(t, map[string]bool{"anthropic": true}, cfg)

	_, err := rs.Resolve(context.Background(), "claude-sonnet")
	if !errors.Is(err, porter.ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound for disabled config", err)
	}
}

func TestResolve_CacheInvalidatedWhenKeysExhaust(t *testing.T) {
	t.Parallel()

	avail := &fakeAvailability{providers: map[string]bool{"anthropic": true, "openai": true}}
	store := testutil.NewFakeStore()
	store.AddModelConfig(enabledConfig(1, "chat", "claude-sonnet-4", "anthropic"))
	store.AddModelConfig(enabledConfig(2, "chat", "gpt-4o", "openai"))
	rs := NewRouterService(store, avail, nil)

	res, err := rs.Resolve(context.Background(), "chat")
	if err != nil {
		t.Fatal(err)
	}
	if res.Config.Provider != "anthropic" {
		t.Fatalf("first resolution provider = %s, want anthropic", res.Config.Provider)
	}

	// Anthropic runs dry: the cached resolution must not be served.
	avail.providers["anthropic"] = false
	res, err = rs.Resolve(context.Background(), "chat")
	if err != nil {
		t.Fatal(err)
	}
	if res.Config.Provider != "openai" {
		t.Errorf("provider after exhaustion = %s, want openai", res.Config.Provider)
	}
}

func TestResolveProvider(t *testing.T) {
	t.Parallel()

	rs := routerFixture(t, map[string]bool{"anthropic": true},
		enabledConfig(1, "other", "claude-opus-4", "anthropic"),
		enabledConfig(2, "claude-sonnet", "claude-sonnet-4", "anthropic"))

	// Exact route key within the provider wins over the lowest ID.
	res, err := rs.ResolveProvider(context.Background(), "anthropic", "claude-sonnet")
	if err != nil {
		t.Fatal(err)
	}
	if res.Config.TargetModel != "claude-sonnet-4" {
		t.Errorf("target = %s, want claude-sonnet-4", res.Config.TargetModel)
	}

	// Unknown model falls back to the provider's first config.
	res, err = rs.ResolveProvider(context.Background(), "anthropic", "nonesuch")
	if err != nil {
		t.Fatal(err)
	}
	if res.Config.ID != 1 {
		t.Errorf("fallback config ID = %d, want 1", res.Config.ID)
	}

	_, err = rs.ResolveProvider(context.Background(), "gemini", "anything")
	if !errors.Is(err, porter.ErrModelNotFound) {
		t.Errorf("unknown provider err = %v, want ErrModelNotFound", err)
	}
}

func TestResolveProvider_NoAvailableKey(t *testing.T) {
	t.Parallel()

	rs := routerFixture(t, map[string]bool{},
		enabledConfig(1, "claude-sonnet", "claude-sonnet-4", "anthropic"))

	_, err := rs.ResolveProvider(context.Background(), "anthropic", "claude-sonnet")
	if !errors.Is(err, porter.ErrNoAvailableKey) {
		t.Errorf("err = %v, want ErrNoAvailableKey", err)
	}
}

func TestInvalidateCache(t *testing.T) {
	t.Parallel()

	avail := &fakeAvailability{providers: map[string]bool{"openai": true}}
	store := testutil.NewFakeStore()
	first := store.AddModelConfig(enabledConfig(0, "chat", "gpt-4o", "openai"))
	rs := NewRouterService(store, avail, nil)

	if _, err := rs.Resolve(context.Background(), "chat"); err != nil {
		t.Fatal(err)
	}

	// Retarget the route and invalidate; the next resolve sees the change.
	first.TargetModel = "gpt-4o-mini"
	if err := store.UpdateModelConfig(context.Background(), &first); err != nil {
		t.Fatal(err)
	}
	rs.InvalidateCache()

	res, err := rs.Resolve(context.Background(), "chat")
	if err != nil {
		t.Fatal(err)
	}
	if res.Config.TargetModel != "gpt-4o-mini" {
		t.Errorf("target after invalidation = %s, want gpt-4o-mini", res.Config.TargetModel)
	}
}

func TestListModels_OnlyEnabled(t *testing.T) {
	t.Parallel()

	disabled := enabledConfig(2, "off", "m2", "openai")
	disabled.Enabled = false
	rs := routerFixture(t, map[string]bool{"openai": true},
		enabledConfig(1, "on", "m1", "openai"), disabled)

	models, err := rs.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0].RouteKey != "on" {
		t.Errorf("models = %v, want only the enabled config", models)
	}
}
