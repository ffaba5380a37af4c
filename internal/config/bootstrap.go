// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/secret"
	"github.com/akarpov/porter/internal/storage"
)

// Bootstrap seeds the database from the config file on first run. Existing
// rows are left untouched so operator edits via the admin API survive
// restarts.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, cipher *secret.Cipher) error {
	if err := seedModels(ctx, cfg, store); err != nil {
		return err
	}
	return seedKeys(ctx, cfg, store, cipher)
}

func seedModels(ctx context.Context, cfg *Config, store storage.Store) error {
	existing, err := store.ListModelConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list model configs: %w", err)
	}
	byRouteKey := make(map[string]bool, len(existing))
	for _, c := range existing {
		byRouteKey[c.RouteKey] = true
	}

	for _, m := range cfg.Models {
		if m.RouteKey == "" || m.Provider == "" {
			return fmt.Errorf("model entry needs route_key and provider: %w", porter.ErrConfiguration)
		}
		if byRouteKey[m.RouteKey] {
			continue
		}
		mc := &porter.ModelConfig{
			RouteKey:       m.RouteKey,
			TargetModel:    m.TargetModel,
			Provider:       m.Provider,
			APIBase:        m.APIBase,
			AuthHeader:     m.AuthHeader,
			AuthFormat:     m.AuthFormat,
			Enabled:        m.IsEnabled(),
			Priority:       m.Priority,
			PromptKeywords: m.PromptKeywords,
			Description:    m.Description,
		}
		if err := store.CreateModelConfig(ctx, mc); err != nil {
			return fmt.Errorf("seed model %s: %w", m.RouteKey, err)
		}
		slog.Info("bootstrapped model", "route_key", m.RouteKey, "provider", m.Provider)
	}
	return nil
}

func seedKeys(ctx context.Context, cfg *Config, store storage.Store, cipher *secret.Cipher) error {
	existing, err := store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, k := range existing {
		seen[k.Provider+"/"+k.Masked] = true
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		if err := secret.Validate(k.Key); err != nil {
			return fmt.Errorf("key for %s: %w", k.Provider, err)
		}
		masked := secret.Mask(k.Key)
		if seen[k.Provider+"/"+masked] {
			continue
		}

		enc, err := cipher.Encrypt(k.Key)
		if err != nil {
			return fmt.Errorf("encrypt key for %s: %w", k.Provider, err)
		}
		key := &porter.ProviderKey{
			Provider:   k.Provider,
			Secret:     enc,
			Masked:     masked,
			Enabled:    true,
			Priority:   k.Priority,
			AuthHeader: k.AuthHeader,
			AuthFormat: k.AuthFormat,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return fmt.Errorf("seed key for %s: %w", k.Provider, err)
		}
		slog.Info("bootstrapped provider key", "provider", k.Provider, "key", masked)
	}
	return nil
}
