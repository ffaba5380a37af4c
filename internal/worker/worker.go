// Package worker runs the relay's background loops: request log batching,
// key stat persistence, and rotation sweeps.
package worker

import "context"

// Worker is one long-running background loop.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
