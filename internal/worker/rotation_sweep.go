package worker

import (
	"context"
	"log/slog"
	"time"

	porter "github.com/akarpov/porter/internal"
	"github.com/akarpov/porter/internal/keypool"
)

const rotationSweepInterval = 5 * time.Minute

// RotationPool is the slice of the key pool the sweep needs: flagging,
// pairing, and reading back rotated keys for persistence.
type RotationPool interface {
	FlagRotations() []porter.ProviderKey
	SweepRotations() []keypool.RotationOutcome
	Get(id int64) (porter.ProviderKey, bool)
}

// RotationSweepWorker periodically flags keys matching the rotation predicate
// and pairs each flagged key with a healthy replacement of the same provider.
// Keys with no replacement stay flagged so operators can pick them up via the
// admin API.
type RotationSweepWorker struct {
	pool  RotationPool
	store KeyWriter
}

// NewRotationSweepWorker creates a RotationSweepWorker. A nil store skips
// persistence (tests).
func NewRotationSweepWorker(pool RotationPool, store KeyWriter) *RotationSweepWorker {
	return &RotationSweepWorker{pool: pool, store: store}
}

// Name returns the worker identifier.
func (w *RotationSweepWorker) Name() string { return "rotation_sweep" }

// Run sweeps once at startup, then on an interval until ctx is cancelled.
func (w *RotationSweepWorker) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(rotationSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *RotationSweepWorker) sweep(ctx context.Context) {
	for _, k := range w.pool.FlagRotations() {
		slog.LogAttrs(ctx, slog.LevelWarn, "key flagged for rotation",
			slog.Int64("key_id", k.ID),
			slog.String("provider", k.Provider),
			slog.String("key", k.Masked),
			slog.Int("consecutive_errors", k.ConsecutiveErrors),
		)
	}

	for _, o := range w.pool.SweepRotations() {
		if !o.Rotated {
			slog.LogAttrs(ctx, slog.LevelWarn, "key rotation skipped",
				slog.Int64("key_id", o.OldID),
				slog.String("provider", o.Provider),
				slog.String("reason", o.Reason),
			)
			continue
		}
		slog.LogAttrs(ctx, slog.LevelInfo, "key rotated",
			slog.Int64("old_key_id", o.OldID),
			slog.Int64("new_key_id", o.NewID),
			slog.String("provider", o.Provider),
		)
		w.persist(ctx, o.OldID)
		w.persist(ctx, o.NewID)
	}
}

func (w *RotationSweepWorker) persist(ctx context.Context, id int64) {
	if w.store == nil {
		return
	}
	k, ok := w.pool.Get(id)
	if !ok {
		return
	}
	if err := w.store.UpdateKey(ctx, &k); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rotated key persist failed",
			slog.Int64("key_id", id),
			slog.String("error", err.Error()),
		)
	}
}
