package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	porter "github.com/akarpov/porter/internal"
)

const (
	logChanSize   = 1000
	logBatchSize  = 100
	logFlushEvery = 5 * time.Second
	logDrainTime  = 30 * time.Second
)

// RequestLogStore is the persistence interface consumed by RequestLogger.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []porter.RequestLog) error
}

// RequestLogger buffers request log entries and batch-flushes them to the
// store. Entries are dropped if the channel is full (back-pressure on slow DB);
// request handling never blocks on logging.
type RequestLogger struct {
	ch      chan porter.RequestLog
	store   RequestLogStore
	dropped func() // optional drop counter hook
}

// NewRequestLogger creates a RequestLogger backed by store. onDrop, if
// non-nil, is invoked once per dropped entry.
func NewRequestLogger(store RequestLogStore, onDrop func()) *RequestLogger {
	return &RequestLogger{
		ch:      make(chan porter.RequestLog, logChanSize),
		store:   store,
		dropped: onDrop,
	}
}

// Name returns the worker identifier.
func (l *RequestLogger) Name() string { return "request_logger" }

// Record enqueues a log entry. It never blocks; drops on full channel.
func (l *RequestLogger) Record(entry porter.RequestLog) {
	select {
	case l.ch <- entry:
	default:
		if l.dropped != nil {
			l.dropped()
		}
		slog.Warn("request log dropped, channel full")
	}
}

// Run processes entries until ctx is cancelled, then drains the backlog.
func (l *RequestLogger) Run(ctx context.Context) error {
	ticker := time.NewTicker(logFlushEvery)
	defer ticker.Stop()

	buf := make([]porter.RequestLog, 0, logBatchSize)

	for {
		select {
		case entry := <-l.ch:
			buf = append(buf, entry)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			l.drain(buf)
			return nil
		}
	}
}

func (l *RequestLogger) drain(buf []porter.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), logDrainTime)
	defer cancel()

	for {
		select {
		case entry := <-l.ch:
			buf = append(buf, entry)
			if len(buf) >= logBatchSize {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *RequestLogger) flush(ctx context.Context, buf []porter.RequestLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]porter.RequestLog, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := l.store.InsertRequestLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
