// Package storage defines persistence interfaces for the relay.
package storage

import (
	"context"

	porter "github.com/akarpov/porter/internal"
)

// KeyStore manages provider key persistence. Secret material is stored
// encrypted; implementations return it as ciphertext in the Secret field and
// callers decrypt.
type KeyStore interface {
	CreateKey(ctx context.Context, key *porter.ProviderKey) error
	ListKeys(ctx context.Context) ([]porter.ProviderKey, error)
	UpdateKey(ctx context.Context, key *porter.ProviderKey) error
	DeleteKey(ctx context.Context, id int64) error
}

// ModelConfigStore manages model route configuration persistence.
type ModelConfigStore interface {
	CreateModelConfig(ctx context.Context, mc *porter.ModelConfig) error
	ListModelConfigs(ctx context.Context) ([]porter.ModelConfig, error)
	UpdateModelConfig(ctx context.Context, mc *porter.ModelConfig) error
	DeleteModelConfig(ctx context.Context, id int64) error
}

// RequestLogFilter narrows request log queries.
type RequestLogFilter struct {
	Provider string
	Model    string
	Since    string // RFC3339
	Until    string
	Limit    int
	Offset   int
}

// RequestLogStore manages relay request log persistence.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []porter.RequestLog) error
	QueryRequestLogs(ctx context.Context, f RequestLogFilter) ([]porter.RequestLog, error)
	CountRequestLogs(ctx context.Context, f RequestLogFilter) (int, error)
}

// Store combines all storage interfaces.
type Store interface {
	KeyStore
	ModelConfigStore
	RequestLogStore
	Ping(ctx context.Context) error
	Close() error
}
