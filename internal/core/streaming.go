package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"ingestd/internal/batch"
	"ingestd/internal/connection"
	"ingestd/internal/fetch"
	"ingestd/internal/processors"
	"ingestd/internal/storage"
	"ingestd/internal/types"
	"ingestd/internal/utils/hash"
)

const DefaultWriteTimeout = 30 * time.Second

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ChunkPointer is where a flushed batch is addressed in storage.
func ChunkPointer(datasetID, sourceID string, seq int64) string {
	return fmt.Sprintf("streams/%s/%s/chunk-%06d.jsonl", datasetID, sourceID, seq)
}

type StreamingOption func(*StreamingAdapter)

func WithStreamingLogger(l *slog.Logger) StreamingOption {
	return func(a *StreamingAdapter) { a.logger = l }
}

// WithWriteTimeout bounds each chunk and checkpoint write.
func WithWriteTimeout(d time.Duration) StreamingOption {
	return func(a *StreamingAdapter) { a.writeTimeout = d }
}

func withClock(now func() time.Time) StreamingOption {
	return func(a *StreamingAdapter) { a.now = now }
}

// StreamingAdapter feeds one live source through dedupe and batching into a
// storage sink. Errors after Start are recorded in Status, never returned.
type StreamingAdapter struct {
	id        string
	datasetID string
	cfg       types.StreamingSourceConfig
	sink      storage.Sink
	conn      *connection.Manager
	writer    *batch.Writer
	dedupe    *processors.KeyDeduper
	logger    *slog.Logger

	writeTimeout time.Duration
	now          func() time.Time

	seq       atomic.Int64
	chunkSeq  atomic.Int64
	received  atomic.Int64
	processed atomic.Int64
	errCount  atomic.Int64

	mu        sync.RWMutex
	running   bool
	started   bool
	startedAt time.Time
	stoppedAt time.Time
	lastError string

	stopOnce sync.Once
	done     chan struct{}
}

// NewStreamingAdapter expects cfg to have defaults applied and validated.
func NewStreamingAdapter(id, datasetID string, cfg types.StreamingSourceConfig, sink storage.Sink, v *fetch.Validator, opts ...StreamingOption) *StreamingAdapter {
	a := &StreamingAdapter{
		id:           id,
		datasetID:    datasetID,
		cfg:          cfg,
		sink:         sink,
		logger:       slog.Default(),
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("source", id, "dataset", datasetID)

	if cfg.Parse.DedupeKeyPath != "" {
		a.dedupe = processors.NewKeyDeduper(processors.DefaultDedupeCapacity, processors.DefaultDedupeRetain)
	}
	a.conn = connection.NewManager(cfg, v, connection.WithLogger(a.logger))
	a.writer = batch.NewWriter(a.writeBatch, cfg.Batch,
		batch.WithLogger(a.logger),
		batch.WithErrorHandler(a.recordError))
	return a
}

func (a *StreamingAdapter) ID() string {
	return a.id
}

// Start connects to the source. Endpoint validation failures are returned
// here; everything later is reported through Status.
func (a *StreamingAdapter) Start(ctx context.Context) error {
	a.resume(ctx)

	if err := a.conn.Start(ctx); err != nil {
		_ = a.writer.Destroy(ctx)
		return err
	}

	a.mu.Lock()
	a.running = true
	a.started = true
	a.startedAt = a.now()
	a.mu.Unlock()

	go a.consume(context.WithoutCancel(ctx))

	a.logger.Info("Streaming adapter started", "protocol", a.cfg.Protocol, "endpoint", a.cfg.Endpoint)
	return nil
}

// resume continues sequence numbering from the last persisted checkpoint
// when the sink can report one.
func (a *StreamingAdapter) resume(ctx context.Context) {
	reader, ok := a.sink.(storage.CheckpointReader)
	if !ok {
		return
	}
	cp, err := reader.LatestCheckpoint(ctx, a.datasetID, a.id)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		a.logger.Warn("Failed to read checkpoint, numbering from zero", "error", err)
		return
	}
	a.seq.Store(cp.LastSequenceID)
	a.chunkSeq.Store(cp.ChunkSeq)
	a.logger.Info("Resuming sequence from checkpoint", "last_sequence_id", cp.LastSequenceID, "chunk_seq", cp.ChunkSeq)
}

func (a *StreamingAdapter) consume(ctx context.Context) {
	defer close(a.done)

	for ev := range a.conn.Events() {
		switch ev.Kind {
		case connection.EventData:
			for _, msg := range ev.Messages {
				a.ingest(ctx, msg)
			}
		case connection.EventStatus:
			a.logger.Debug("Connection state changed", "state", ev.State)
		case connection.EventError:
			a.recordError(ev.Err)
			if ev.Fatal {
				a.logger.Error("Streaming session ended", "error", ev.Err)
			}
		}
	}

	flushCtx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()
	if err := a.writer.Destroy(flushCtx); err != nil {
		a.recordError(err)
	}

	a.mu.Lock()
	a.running = false
	a.stoppedAt = a.now()
	a.mu.Unlock()

	a.logger.Info("Streaming adapter stopped",
		"received", a.received.Load(),
		"processed", a.processed.Load(),
		"errors", a.errCount.Load())
}

func (a *StreamingAdapter) ingest(ctx context.Context, msg connection.Message) {
	a.received.Add(1)

	doc := payloadDocument(msg)

	key := ""
	if a.dedupe != nil {
		if k, ok := processors.ExtractKey(doc, a.cfg.Parse.DedupeKeyPath); ok {
			if a.dedupe.Seen(k.Identity()) {
				return
			}
			key = k.Text
		}
	}

	rec := &types.StreamRecord{
		Data:       msg.Data,
		Timestamp:  processors.ExtractTimestamp(doc, a.cfg.Parse.TimestampPath, a.now()),
		DedupeKey:  key,
		SequenceID: a.seq.Add(1),
		SourceMetadata: map[string]any{
			"source":   a.id,
			"protocol": string(a.cfg.Protocol),
			"endpoint": a.cfg.Endpoint,
		},
	}

	if err := a.writer.Add(ctx, rec); err != nil {
		a.recordError(err)
	}
}

// payloadDocument is the JSON form of the parsed payload that key and
// timestamp paths are resolved against.
func payloadDocument(msg connection.Message) string {
	if msg.Raw != "" && gjson.Valid(msg.Raw) {
		return msg.Raw
	}
	doc, err := json.MarshalToString(msg.Data)
	if err != nil {
		return ""
	}
	return doc
}

type chunkLine struct {
	SequenceID int64     `json:"sequenceId"`
	Timestamp  time.Time `json:"timestamp"`
	DedupeKey  string    `json:"dedupeKey,omitempty"`
	Data       any       `json:"data"`
}

// writeBatch persists one batch as a chunk followed by a checkpoint. The
// chunk number only advances once both writes succeed, so a retried batch
// overwrites the same chunk.
func (a *StreamingAdapter) writeBatch(ctx context.Context, records []*types.StreamRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()

	var buf bytes.Buffer
	digest := hash.NewDigest()
	enc := json.NewEncoder(digest.Tee(&buf))
	for _, rec := range records {
		line := chunkLine{SequenceID: rec.SequenceID, Timestamp: rec.Timestamp.UTC(), DedupeKey: rec.DedupeKey, Data: rec.Data}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode record %d: %w", rec.SequenceID, err)
		}
	}

	seq := a.chunkSeq.Load() + 1
	first := lo.MinBy(records, func(x, cur *types.StreamRecord) bool { return x.Timestamp.Before(cur.Timestamp) })
	last := lo.MaxBy(records, func(x, cur *types.StreamRecord) bool { return x.Timestamp.After(cur.Timestamp) })

	chunk := storage.StreamChunk{
		DatasetID:   a.datasetID,
		SourceID:    a.id,
		Seq:         seq,
		StartTime:   first.Timestamp,
		EndTime:     last.Timestamp,
		RecordCount: len(records),
		Pointer:     ChunkPointer(a.datasetID, a.id, seq),
		Checksum:    digest.Hex(),
		Payload:     buf.Bytes(),
	}
	if err := a.sink.CreateStreamChunk(ctx, chunk); err != nil {
		return fmt.Errorf("write chunk %d: %w", seq, err)
	}

	cp := storage.StreamCheckpoint{
		DatasetID:      a.datasetID,
		SourceID:       a.id,
		LastSequenceID: records[len(records)-1].SequenceID,
		ChunkSeq:       seq,
		Timestamp:      a.now(),
	}
	if err := a.sink.CreateStreamCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("write checkpoint after chunk %d: %w", seq, err)
	}

	a.chunkSeq.Store(seq)
	a.processed.Add(int64(len(records)))
	a.logger.Debug("Persisted stream chunk", "seq", seq, "records", len(records), "pointer", chunk.Pointer)
	return nil
}

func (a *StreamingAdapter) recordError(err error) {
	if err == nil {
		return
	}
	a.errCount.Add(1)
	a.mu.Lock()
	a.lastError = err.Error()
	a.mu.Unlock()
	a.logger.Warn("Streaming error", "error", err)
}

func (a *StreamingAdapter) Status() types.StreamingStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var uptime time.Duration
	switch {
	case a.running:
		uptime = a.now().Sub(a.startedAt)
	case a.started:
		uptime = a.stoppedAt.Sub(a.startedAt)
	}

	return types.StreamingStatus{
		IsRunning:        a.running,
		RecordsReceived:  a.received.Load(),
		RecordsProcessed: a.processed.Load(),
		ConnectionStatus: a.conn.State(),
		BufferSize:       a.writer.Len(),
		ErrorCount:       a.errCount.Load(),
		LastError:        a.lastError,
		Uptime:           uptime,
	}
}

// Done is closed once the session has ended and the final flush ran.
func (a *StreamingAdapter) Done() <-chan struct{} {
	return a.done
}

// Stop closes the connection and waits for the final flush. It is safe to
// call repeatedly and after the session ended on its own.
func (a *StreamingAdapter) Stop(ctx context.Context) error {
	a.mu.RLock()
	started := a.started
	a.mu.RUnlock()

	a.stopOnce.Do(func() {
		a.conn.Stop()
		if !started {
			_ = a.writer.Destroy(ctx)
		}
	})
	if !started {
		return nil
	}

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream %s: waiting for final flush: %w", a.id, ctx.Err())
	}
}
