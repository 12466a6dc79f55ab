package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/types"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]*types.StreamRecord
	fail    atomic.Int32
}

func (s *recordingSink) write(_ context.Context, recs []*types.StreamRecord) error {
	if s.fail.Load() > 0 {
		s.fail.Add(-1)
		return errors.New("sink unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, recs)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func spec(batchSize, maxBuffer int, flush time.Duration) types.BatchSpec {
	return types.BatchSpec{BatchSize: batchSize, MaxBuffer: maxBuffer, Flush: types.NewDuration(flush)}
}

func rec(seq int64) *types.StreamRecord {
	return &types.StreamRecord{SequenceID: seq, Data: map[string]any{"n": seq}}
}

func seqs(recs []*types.StreamRecord) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.SequenceID
	}
	return out
}

func TestFlushAtBatchSize(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink.write, spec(5, 100, time.Hour))
	defer w.Destroy(context.Background())

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, w.Add(context.Background(), rec(i)))
	}
	require.Equal(t, 1, sink.count())
	require.Zero(t, w.Len())
	require.Equal(t, []int64{1, 2, 3, 4, 5}, seqs(sink.batches[0]))
	require.EqualValues(t, 1, w.Flushes())
}

func TestTimedFlush(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink.write, spec(100, 1000, 30*time.Millisecond))
	defer w.Destroy(context.Background())

	require.NoError(t, w.Add(context.Background(), rec(1)))
	require.NoError(t, w.Add(context.Background(), rec(2)))
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, w.Len())
}

func TestFailedFlushRequeuesAtFront(t *testing.T) {
	sink := &recordingSink{}
	sink.fail.Store(1)
	w := NewWriter(sink.write, spec(3, 100, time.Hour))
	defer w.Destroy(context.Background())

	require.NoError(t, w.Add(context.Background(), rec(1)))
	require.NoError(t, w.Add(context.Background(), rec(2)))
	err := w.Add(context.Background(), rec(3))
	require.True(t, types.IsBatchFlushError(err))
	require.Equal(t, 3, w.Len())

	require.NoError(t, w.Add(context.Background(), rec(4)))
	require.Equal(t, 1, sink.count())
	require.Equal(t, []int64{1, 2, 3, 4}, seqs(sink.batches[0]))
}

func TestOverflowEvictsOldestTenth(t *testing.T) {
	const maxBuffer = 100
	sink := &recordingSink{}
	sink.fail.Store(1 << 20)
	w := NewWriter(sink.write, spec(maxBuffer, maxBuffer, time.Hour))

	for i := int64(1); i <= maxBuffer; i++ {
		_ = w.Add(context.Background(), rec(i))
		require.LessOrEqual(t, w.Len(), maxBuffer)
	}
	require.Equal(t, maxBuffer, w.Len())
	require.Zero(t, w.Dropped())

	err := w.Add(context.Background(), rec(maxBuffer+1))
	var overflow *types.BufferOverflowError
	require.True(t, errors.As(err, &overflow))
	require.Equal(t, maxBuffer/10, overflow.Dropped)
	require.EqualValues(t, maxBuffer/10, w.Dropped())
	require.Equal(t, maxBuffer-maxBuffer/10+1, w.Len())

	for i := int64(maxBuffer + 2); i <= 3*maxBuffer; i++ {
		_ = w.Add(context.Background(), rec(i))
		require.LessOrEqual(t, w.Len(), maxBuffer)
	}

	sink.fail.Store(0)
	require.NoError(t, w.Destroy(context.Background()))
	require.Zero(t, w.Len())
	last := sink.batches[len(sink.batches)-1]
	require.EqualValues(t, 3*maxBuffer, last[len(last)-1].SequenceID)
}

func TestOverflowMinimumEviction(t *testing.T) {
	sink := &recordingSink{}
	sink.fail.Store(1 << 20)
	w := NewWriter(sink.write, spec(5, 5, time.Hour))
	defer w.Destroy(context.Background())

	for i := int64(1); i <= 5; i++ {
		_ = w.Add(context.Background(), rec(i))
	}
	err := w.Add(context.Background(), rec(6))
	var overflow *types.BufferOverflowError
	require.True(t, errors.As(err, &overflow))
	require.Equal(t, 1, overflow.Dropped)
}

func TestSingleFlushInFlight(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	sink := func(ctx context.Context, recs []*types.StreamRecord) error {
		calls.Add(1)
		<-release
		return nil
	}
	w := NewWriter(sink, spec(100, 1000, time.Hour))

	require.NoError(t, w.Add(context.Background(), rec(1)))
	done := make(chan error, 1)
	go func() { done <- w.Flush(context.Background()) }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, w.Add(context.Background(), rec(2)))
	require.NoError(t, w.Flush(context.Background()))
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, w.Len())

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, w.Destroy(context.Background()))
	require.EqualValues(t, 2, calls.Load())
}

func TestOverflowWaitsForInFlightFlush(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	sink := func(ctx context.Context, recs []*types.StreamRecord) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	}
	w := NewWriter(sink, spec(4, 4, time.Hour))
	defer w.Destroy(context.Background())

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, w.Add(context.Background(), rec(i)))
	}
	flushed := make(chan error, 1)
	go func() { flushed <- w.Flush(context.Background()) }()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	for i := int64(4); i <= 6; i++ {
		require.NoError(t, w.Add(context.Background(), rec(i)))
	}
	// The batch-size flush is skipped while the first one is stalled.
	require.NoError(t, w.Add(context.Background(), rec(7)))
	require.Equal(t, 4, w.Len())

	added := make(chan error, 1)
	go func() { added <- w.Add(context.Background(), rec(8)) }()

	select {
	case <-added:
		t.Fatal("Add returned while a flush was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-flushed)
	err := <-added
	var overflow *types.BufferOverflowError
	require.True(t, errors.As(err, &overflow))
	require.Equal(t, 1, overflow.Dropped)
	require.LessOrEqual(t, w.Len(), 4)
}

func TestDestroyFlushesAndIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink.write, spec(100, 1000, time.Hour))

	require.NoError(t, w.Add(context.Background(), rec(1)))
	require.NoError(t, w.Destroy(context.Background()))
	require.Equal(t, 1, sink.count())
	require.NoError(t, w.Destroy(context.Background()))
	require.Equal(t, 1, sink.count())
}
