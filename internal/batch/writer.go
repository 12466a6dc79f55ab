// Package batch groups stream records into bounded batches for a sink.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"ingestd/internal/types"
)

// maxTickInterval bounds how long a buffered record can wait for the timer
// to notice it.
const maxTickInterval = 5 * time.Second

// SinkFunc persists one batch. A returned error leaves the batch buffered.
type SinkFunc func(ctx context.Context, records []*types.StreamRecord) error

type Option func(*Writer)

// WithErrorHandler receives errors from timer-triggered flushes. Errors from
// Add and Flush are returned to the caller instead.
func WithErrorHandler(f func(error)) Option {
	return func(w *Writer) { w.onError = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// Writer buffers records and flushes them when the batch size is reached or
// the flush interval has elapsed. At most one flush runs at a time and the
// buffer never holds more than maxBuffer records.
type Writer struct {
	sink          SinkFunc
	batchSize     int
	maxBuffer     int
	flushInterval time.Duration
	onError       func(error)
	logger        *slog.Logger

	mu        sync.Mutex
	buffer    []*types.StreamRecord
	lastFlush time.Time
	flushing  bool
	flushDone chan struct{}
	dropped   int64
	flushes   int64

	cancel      context.CancelFunc
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

func NewWriter(sink SinkFunc, spec types.BatchSpec, opts ...Option) *Writer {
	w := &Writer{
		sink:          sink,
		batchSize:     spec.BatchSize,
		maxBuffer:     spec.MaxBuffer,
		flushInterval: spec.Flush.Duration,
		logger:        slog.Default(),
		lastFlush:     time.Now(),
	}
	if w.batchSize <= 0 {
		w.batchSize = types.DefaultBatchSize
	}
	if w.maxBuffer <= 0 {
		w.maxBuffer = types.DefaultMaxBuffer
	}
	if w.flushInterval <= 0 {
		w.flushInterval = types.DefaultFlushInterval
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.onError == nil {
		w.onError = func(err error) { w.logger.Warn("Batch flush error", "error", err) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.tick(ctx)

	return w
}

// Add buffers one record. When the buffer is full it first waits for an
// in-flight flush; if that does not free space the oldest tenth of the
// buffer is evicted and a *types.BufferOverflowError is returned alongside
// any flush error. The record is always buffered.
func (w *Writer) Add(ctx context.Context, rec *types.StreamRecord) error {
	w.mu.Lock()
	for len(w.buffer) >= w.maxBuffer && w.flushing {
		done := w.flushDone
		w.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
	}

	var overflow error
	if len(w.buffer) >= w.maxBuffer {
		overflow = w.evictLocked(max(1, w.maxBuffer/10))
	}
	w.buffer = append(w.buffer, rec)
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if !full {
		return overflow
	}
	return errors.Join(overflow, w.Flush(ctx))
}

// Flush hands the whole buffer to the sink. It returns immediately when
// another flush is in flight. On failure the batch is put back in front of
// anything buffered meanwhile.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.flushing || len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = nil
	w.flushing = true
	w.flushDone = make(chan struct{})
	w.mu.Unlock()

	err := w.sink(ctx, batch)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushing = false
	close(w.flushDone)

	if err != nil {
		w.buffer = slices.Concat(batch, w.buffer)
		var overflow error
		if excess := len(w.buffer) - w.maxBuffer; excess > 0 {
			overflow = w.evictLocked(excess)
		}
		return errors.Join(&types.BatchFlushError{BatchSize: len(batch), Err: err}, overflow)
	}

	w.lastFlush = time.Now()
	w.flushes++
	w.logger.Debug("Flushed batch", "records", len(batch))
	return nil
}

func (w *Writer) evictLocked(n int) error {
	n = min(n, len(w.buffer))
	w.buffer = slices.Clone(w.buffer[n:])
	w.dropped += int64(n)
	w.logger.Warn("Batch buffer overflow, evicted oldest records", "dropped", n, "max_buffer", w.maxBuffer)
	return &types.BufferOverflowError{Dropped: n, MaxBuffer: w.maxBuffer}
}

func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Dropped is the total number of records evicted on overflow.
func (w *Writer) Dropped() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Flushes is the number of successful flushes.
func (w *Writer) Flushes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushes
}

func (w *Writer) tick(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(min(maxTickInterval, w.flushInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			due := len(w.buffer) > 0 && time.Since(w.lastFlush) >= w.flushInterval
			w.mu.Unlock()
			if !due {
				continue
			}
			if err := w.Flush(ctx); err != nil {
				w.onError(err)
			}
		}
	}
}

// Destroy stops the timer, waits for an in-flight flush and flushes what is
// left once. Later calls return nil.
func (w *Writer) Destroy(ctx context.Context) error {
	var err error
	w.destroyOnce.Do(func() {
		w.cancel()
		w.wg.Wait()

		w.mu.Lock()
		for w.flushing {
			done := w.flushDone
			w.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
			w.mu.Lock()
		}
		w.mu.Unlock()

		err = w.Flush(ctx)
	})
	return err
}
