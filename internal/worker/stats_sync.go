package worker

import (
	"context"
	"log/slog"
	"time"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/telemetry"
)

const statsSyncInterval = 60 * time.Second

// KeySnapshotter exposes the pool's current key state.
type KeySnapshotter interface {
	Snapshot() []porter.ProviderKey
}

// KeyWriter persists key state.
type KeyWriter interface {
	UpdateKey(ctx context.Context, key *porter.ProviderKey) error
}

// StatsSyncWorker periodically persists in-memory key statistics so counters
// and backoff state survive restarts, and exports per-provider availability.
type StatsSyncWorker struct {
	pool    KeySnapshotter
	store   KeyWriter
	metrics *telemetry.Metrics
}

// NewStatsSyncWorker creates a StatsSyncWorker. metrics may be nil.
func NewStatsSyncWorker(pool KeySnapshotter, store KeyWriter, metrics *telemetry.Metrics) *StatsSyncWorker {
	return &StatsSyncWorker{pool: pool, store: store, metrics: metrics}
}

// Name returns the worker identifier.
func (w *StatsSyncWorker) Name() string { return "stats_sync" }

// Run periodically syncs key stats until ctx is cancelled, with a final sync
// on shutdown.
func (w *StatsSyncWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(statsSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sync(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.sync(flushCtx)
			cancel()
			return nil
		}
	}
}

func (w *StatsSyncWorker) sync(ctx context.Context) {
	keys := w.pool.Snapshot()
	for _, k := range keys {
		if err := w.store.UpdateKey(ctx, &k); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "key stats sync failed",
				slog.Int64("key_id", k.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if w.metrics != nil {
		now := time.Now()
		counts := make(map[string]int)
		for _, k := range keys {
			n := counts[k.Provider]
			if k.Available(now) {
				n++
			}
			counts[k.Provider] = n
		}
		for provider, n := range counts {
			w.metrics.KeysAvailable.WithLabelValues(provider).Set(float64(n))
		}
	}
}
