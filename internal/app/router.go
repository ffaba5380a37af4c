package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/storage"
)

// routeCacheTTL is how long resolutions stay cached before re-reading from
// the store. Short enough to pick up config changes quickly, long enough to
// keep the list scan off the hot path.
const routeCacheTTL = 10 * time.Second

// DefaultTransformRules is the built-in fallback table mapping well-known
// model families to a provider when no configured route matches them.
func DefaultTransformRules() []porter.TransformRule {
	return []porter.TransformRule{
		{Contains: "claude", Provider: "deepseek"},
		{Contains: "gpt", Provider: "deepseek"},
		{Contains: "gemini", Provider: "deepseek"},
	}
}

// KeyAvailability answers whether a provider currently has a usable key.
type KeyAvailability interface {
	HasAvailable(provider string) bool
}

// Resolution is the outcome of model resolution: the winning config and the
// stage (1-5) that produced it.
type Resolution struct {
	Config porter.ModelConfig
	Stage  int
}

// RouterService resolves requested model names to concrete model configs
// through a five-stage match ladder. A stage only wins if the candidate's
// provider has at least one usable key; otherwise resolution continues.
type RouterService struct {
	configs storage.ModelConfigStore
	pool    KeyAvailability
	rules   []porter.TransformRule
	cache   *otter.Cache[string, Resolution]
}

// NewRouterService returns a RouterService backed by the given config store
// and key pool. Nil rules fall back to DefaultTransformRules.
func NewRouterService(configs storage.ModelConfigStore, pool KeyAvailability, rules []porter.TransformRule) *RouterService {
	if len(rules) == 0 {
		rules = DefaultTransformRules()
	}
	cache := otter.Must(&otter.Options[string, Resolution]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, Resolution](routeCacheTTL),
	})
	return &RouterService{configs: configs, pool: pool, rules: rules, cache: cache}
}

// InvalidateCache drops all cached resolutions. Called when model configs change.
func (rs *RouterService) InvalidateCache() { rs.cache.InvalidateAll() }

// Resolve maps a requested model name to a model config.
//
// Exhausting all stages yields ErrNoAvailableKey when at least one config
// matched but had no usable key, and ErrModelNotFound otherwise.
func (rs *RouterService) Resolve(ctx context.Context, model string) (Resolution, error) {
	if cached, ok := rs.cache.GetIfPresent(model); ok {
		if rs.pool.HasAvailable(cached.Config.Provider) {
			return cached, nil
		}
		rs.cache.Invalidate(model)
	}

	configs, err := rs.enabledConfigs(ctx)
	if err != nil {
		return Resolution{}, err
	}

	res, err := rs.resolve(configs, model)
	if err != nil {
		return Resolution{}, err
	}
	rs.cache.Set(model, res)
	return res, nil
}

func (rs *RouterService) resolve(configs []porter.ModelConfig, model string) (Resolution, error) {
	lower := strings.ToLower(model)
	matched := false

	// Stage 1: exact route key.
	if cfg, found, keyless := rs.pick(configs, func(c *porter.ModelConfig) bool {
		return c.RouteKey == model
	}); found {
		return Resolution{Config: cfg, Stage: 1}, nil
	} else if keyless {
		matched = true
	}

	// Stage 2: exact target model.
	if cfg, found, keyless := rs.pick(configs, func(c *porter.ModelConfig) bool {
		return c.TargetModel == model
	}); found {
		return Resolution{Config: cfg, Stage: 2}, nil
	} else if keyless {
		matched = true
	}

	// Stage 3: transformer fallback table.
	for _, rule := range rs.rules {
		if !strings.Contains(lower, rule.Contains) {
			continue
		}
		if cfg, found, keyless := rs.pick(configs, func(c *porter.ModelConfig) bool {
			return c.Provider == rule.Provider
		}); found {
			return Resolution{Config: cfg, Stage: 3}, nil
		} else if keyless {
			matched = true
		}
	}

	// Stage 4: weak matches, strongest predicate first.
	weak := []func(c *porter.ModelConfig) bool{
		func(c *porter.ModelConfig) bool { return strings.HasPrefix(lower, c.Provider) },
		func(c *porter.ModelConfig) bool {
			if c.RouteKey == "" {
				return false
			}
			rk := strings.ToLower(c.RouteKey)
			return strings.Contains(lower, rk) || strings.Contains(rk, lower)
		},
		func(c *porter.ModelConfig) bool {
			for _, kw := range c.PromptKeywords {
				if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
					return true
				}
			}
			return false
		},
	}
	for _, pred := range weak {
		if cfg, found, keyless := rs.pick(configs, pred); found {
			return Resolution{Config: cfg, Stage: 4}, nil
		} else if keyless {
			matched = true
		}
	}

	// Stage 5: the default route.
	if cfg, found, keyless := rs.pick(configs, func(c *porter.ModelConfig) bool {
		return c.RouteKey == "chat"
	}); found {
		return Resolution{Config: cfg, Stage: 5}, nil
	} else if keyless {
		matched = true
	}

	if matched {
		return Resolution{}, fmt.Errorf("model %q: %w", model, porter.ErrNoAvailableKey)
	}
	return Resolution{}, fmt.Errorf("model %q: %w", model, porter.ErrModelNotFound)
}

// ResolveProvider restricts resolution to one provider: exact route key
// first, then the lowest-id config for that provider.
func (rs *RouterService) ResolveProvider(ctx context.Context, provider, model string) (Resolution, error) {
	configs, err := rs.enabledConfigs(ctx)
	if err != nil {
		return Resolution{}, err
	}

	matched := false
	if cfg, found, keyless := rs.pick(configs, func(c *porter.ModelConfig) bool {
		return c.Provider == provider && c.RouteKey == model
	}); found {
		return Resolution{Config: cfg, Stage: 1}, nil
	} else if keyless {
		matched = true
	}

	if cfg, found, keyless := rs.pick(configs, func(c *porter.ModelConfig) bool {
		return c.Provider == provider
	}); found {
		return Resolution{Config: cfg, Stage: 1}, nil
	} else if keyless {
		matched = true
	}

	if matched {
		return Resolution{}, fmt.Errorf("provider %s: %w", provider, porter.ErrNoAvailableKey)
	}
	return Resolution{}, fmt.Errorf("provider %s, model %q: %w", provider, model, porter.ErrModelNotFound)
}

// pick returns the lowest-id config matching pred whose provider has a
// usable key. keyless reports that at least one config matched pred but was
// skipped for lack of keys.
func (rs *RouterService) pick(configs []porter.ModelConfig, pred func(*porter.ModelConfig) bool) (cfg porter.ModelConfig, found, keyless bool) {
	for i := range configs {
		if !pred(&configs[i]) {
			continue
		}
		if rs.pool.HasAvailable(configs[i].Provider) {
			return configs[i], true, keyless
		}
		keyless = true
	}
	return porter.ModelConfig{}, false, keyless
}

// enabledConfigs loads enabled model configs sorted by ID ascending so every
// stage breaks ties deterministically toward the lowest ID.
func (rs *RouterService) enabledConfigs(ctx context.Context) ([]porter.ModelConfig, error) {
	all, err := rs.configs.ListModelConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	configs := make([]porter.ModelConfig, 0, len(all))
	for _, c := range all {
		if c.Enabled {
			configs = append(configs, c)
		}
	}
	// ListModelConfigs returns rows ordered by id.
	return configs, nil
}

// ListModels returns the enabled configs for the /v1/models listing.
func (rs *RouterService) ListModels(ctx context.Context) ([]porter.ModelConfig, error) {
	return rs.enabledConfigs(ctx)
}
