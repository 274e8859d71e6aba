// Package reqlog buffers per-request audit records and writes them to the
// store in batches, so the hot path never waits on the database.
package reqlog

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/provisor/scimhub/logging"
	"github.com/provisor/scimhub/store"
)

const (
	// DefaultFlushSize triggers an immediate flush once this many records
	// are pending.
	DefaultFlushSize = 50
	// DefaultFlushInterval bounds how long a record waits before it is
	// written regardless of batch size.
	DefaultFlushInterval = 3 * time.Second
)

// Writer collects request log records and flushes them in the background.
// A failed flush is retried with exponential backoff; if retries are
// exhausted the batch is dropped and the failure logged, never blocking
// request handling.
type Writer struct {
	store    store.RequestLogStore
	logger   *logging.Logger
	size     int
	interval time.Duration

	mu      sync.Mutex
	pending []store.RequestLog
	kick    chan struct{}

	stop chan struct{}
	done chan struct{}
}

// NewWriter starts a background writer. Non-positive size or interval
// values fall back to the defaults.
func NewWriter(s store.RequestLogStore, logger *logging.Logger, size int, interval time.Duration) *Writer {
	if size <= 0 {
		size = DefaultFlushSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	w := &Writer{
		store:    s,
		logger:   logger,
		size:     size,
		interval: interval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue adds one record to the pending batch.
func (w *Writer) Enqueue(rec store.RequestLog) {
	w.mu.Lock()
	w.pending = append(w.pending, rec)
	full := len(w.pending) >= w.size
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Pending reports how many records wait for the next flush.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Close drains whatever is pending and stops the background flusher. The
// final flush is unconditional so shutdown never loses records that a
// timer had not yet picked up.
func (w *Writer) Close() {
	close(w.stop)
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.kick:
			w.flush()
		case <-ticker.C:
			w.flush()
		case <-w.stop:
			w.flush()
			return
		}
	}
}

func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	ctx := context.Background()
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	err := backoff.Retry(func() error {
		return w.store.InsertRequestLogs(ctx, batch)
	}, policy)
	if err != nil {
		w.logger.Error(ctx, logging.CategoryDatabase, "request log flush failed, dropping batch", err,
			map[string]any{"dropped": len(batch)})
	}
}
