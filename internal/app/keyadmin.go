package app

import (
	"context"
	"fmt"
	"time"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/keypool"
	"github.com/akarpov/porter/internal/secret"
	"github.com/akarpov/porter/internal/storage"
)

// KeyAdmin handles the provider key lifecycle: create, rotate, list. Secrets
// are validated and encrypted before they touch the store or the pool;
// plaintext never leaves this service.
type KeyAdmin struct {
	store  storage.KeyStore
	pool   *keypool.Pool
	cipher *secret.Cipher
}

// NewKeyAdmin returns a KeyAdmin backed by store and pool.
func NewKeyAdmin(store storage.KeyStore, pool *keypool.Pool, cipher *secret.Cipher) *KeyAdmin {
	return &KeyAdmin{store: store, pool: pool, cipher: cipher}
}

// CreateKeyOpts holds the caller-supplied fields for key creation.
type CreateKeyOpts struct {
	Provider string
	Secret   string
	Priority int
	Disabled bool
	// AuthHeader and AuthFormat override the endpoint's credential shape
	// for calls made with this key.
	AuthHeader string
	AuthFormat string
}

// CreateKey validates and encrypts the secret, persists the key, and adds it
// to the live pool. The returned record carries the masked form only.
func (ka *KeyAdmin) CreateKey(ctx context.Context, opts CreateKeyOpts) (*porter.ProviderKey, error) {
	if opts.Provider == "" {
		return nil, fmt.Errorf("provider is required: %w", porter.ErrValidation)
	}
	if err := secret.Validate(opts.Secret); err != nil {
		return nil, err
	}
	enc, err := ka.cipher.Encrypt(opts.Secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt key: %w", err)
	}

	key := &porter.ProviderKey{
		Provider:   opts.Provider,
		Secret:     enc,
		Masked:     secret.Mask(opts.Secret),
		Enabled:    !opts.Disabled,
		Priority:   opts.Priority,
		AuthHeader: opts.AuthHeader,
		AuthFormat: opts.AuthFormat,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ka.store.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("persist key: %w", err)
	}
	ka.pool.Add(*key)

	out := *key
	out.Secret = ""
	return &out, nil
}

// Rotate creates a replacement key and retires the old one: the old key is
// disabled and unflagged, the new key inherits its latency profile, and both
// states are persisted.
func (ka *KeyAdmin) Rotate(ctx context.Context, oldID int64, newSecret string) (*porter.ProviderKey, error) {
	old, ok := ka.pool.Get(oldID)
	if !ok {
		return nil, fmt.Errorf("key %d: %w", oldID, porter.ErrNotFound)
	}

	created, err := ka.CreateKey(ctx, CreateKeyOpts{
		Provider:   old.Provider,
		Secret:     newSecret,
		Priority:   old.Priority,
		AuthHeader: old.AuthHeader,
		AuthFormat: old.AuthFormat,
	})
	if err != nil {
		return nil, err
	}

	if err := ka.pool.Rotate(oldID, created.ID); err != nil {
		return nil, err
	}
	for _, id := range []int64{oldID, created.ID} {
		k, ok := ka.pool.Get(id)
		if !ok {
			continue
		}
		if err := ka.store.UpdateKey(ctx, &k); err != nil {
			return nil, fmt.Errorf("persist rotated key %d: %w", id, err)
		}
	}

	rotated, _ := ka.pool.Get(created.ID)
	rotated.Secret = ""
	return &rotated, nil
}

// ListKeys returns the live pool state for every key, masked.
func (ka *KeyAdmin) ListKeys(ctx context.Context) []porter.ProviderKey {
	keys := ka.pool.Snapshot()
	for i := range keys {
		keys[i].Secret = ""
	}
	return keys
}

// FlaggedKeys returns keys currently flagged for rotation.
func (ka *KeyAdmin) FlaggedKeys(ctx context.Context) []porter.ProviderKey {
	var flagged []porter.ProviderKey
	for _, k := range ka.pool.Snapshot() {
		if k.FlaggedForRotation {
			k.Secret = ""
			flagged = append(flagged, k)
		}
	}
	return flagged
}

// AvailableByProvider reports how many usable keys each provider has.
func (ka *KeyAdmin) AvailableByProvider() map[string]int {
	return ka.pool.AvailableByProvider()
}

// LoadPool hydrates the pool from the store at startup. Secrets stay
// encrypted in memory.
func (ka *KeyAdmin) LoadPool(ctx context.Context) error {
	keys, err := ka.store.ListKeys(ctx)
	if err != nil {
		return fmt.Errorf("load provider keys: %w", err)
	}
	ka.pool.Load(keys)
	return nil
}
