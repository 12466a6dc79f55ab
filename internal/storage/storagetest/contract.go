// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ingestd/internal/storage"
	"ingestd/internal/types"
)

// Run exercises a fresh store returned by open.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	t.Run("datasets", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		ds := storage.Dataset{
			ID:          "ds-1",
			Name:        "prices.csv",
			SourceType:  "file",
			StorageURI:  "datasets/abc-prices.csv",
			Checksum:    "deadbeef",
			RecordCount: 2,
			Schema: types.Schema{
				"price": {Type: types.ColumnNumber, SampleValues: []string{"1.5", "2"}},
			},
			Metadata: map[string]any{"format": "csv"},
			Data:     []types.Row{{"price": 1.5}, {"price": 2.0}},
		}
		require.NoError(t, s.CreateDataset(ctx, ds))

		got, err := s.GetDataset(ctx, "ds-1")
		require.NoError(t, err)
		require.Equal(t, "prices.csv", got.Name)
		require.Equal(t, 2, got.RecordCount)
		require.Equal(t, types.ColumnNumber, got.Schema["price"].Type)
		require.Equal(t, "csv", got.Metadata["format"])
		require.Equal(t, 2.0, got.Data[1]["price"])
		require.False(t, got.CreatedAt.IsZero())

		ds.RecordCount = 3
		require.NoError(t, s.CreateDataset(ctx, ds))
		got, err = s.GetDataset(ctx, "ds-1")
		require.NoError(t, err)
		require.Equal(t, 3, got.RecordCount)

		_, err = s.GetDataset(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("chunks", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

		for _, seq := range []int64{2, 1, 3} {
			require.NoError(t, s.CreateStreamChunk(ctx, storage.StreamChunk{
				DatasetID:   "ds",
				SourceID:    "feed",
				Seq:         seq,
				StartTime:   start,
				EndTime:     start.Add(time.Minute),
				RecordCount: int(seq),
				Pointer:     "streams/ds/feed/chunk",
				Checksum:    "sum",
				Payload:     []byte("{\"n\":1}\n"),
			}))
		}
		// Retried write of the same chunk replaces it.
		require.NoError(t, s.CreateStreamChunk(ctx, storage.StreamChunk{
			DatasetID: "ds", SourceID: "feed", Seq: 2, StartTime: start, EndTime: start,
			RecordCount: 20, Pointer: "p", Checksum: "sum2",
		}))

		chunks, err := s.ListChunks(ctx, "ds", "feed")
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		require.Equal(t, []int64{1, 2, 3}, []int64{chunks[0].Seq, chunks[1].Seq, chunks[2].Seq})
		require.Equal(t, 20, chunks[1].RecordCount)
		require.True(t, start.Equal(chunks[0].StartTime))
		require.Equal(t, []byte("{\"n\":1}\n"), chunks[2].Payload)

		other, err := s.ListChunks(ctx, "ds", "other")
		require.NoError(t, err)
		require.Empty(t, other)
	})

	t.Run("checkpoints", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		_, err := s.LatestCheckpoint(ctx, "ds", "feed")
		require.ErrorIs(t, err, storage.ErrNotFound)

		ts := time.Date(2025, 5, 5, 5, 5, 5, 0, time.UTC)
		require.NoError(t, s.CreateStreamCheckpoint(ctx, storage.StreamCheckpoint{
			DatasetID: "ds", SourceID: "feed", LastSequenceID: 10, ChunkSeq: 2, Timestamp: ts,
		}))
		require.NoError(t, s.CreateStreamCheckpoint(ctx, storage.StreamCheckpoint{
			DatasetID: "ds", SourceID: "feed", LastSequenceID: 4, ChunkSeq: 1, Timestamp: ts.Add(-time.Hour),
		}))

		cp, err := s.LatestCheckpoint(ctx, "ds", "feed")
		require.NoError(t, err)
		require.EqualValues(t, 10, cp.LastSequenceID)
		require.EqualValues(t, 2, cp.ChunkSeq)
		require.True(t, ts.Equal(cp.Timestamp))

		require.NoError(t, s.CreateStreamCheckpoint(ctx, storage.StreamCheckpoint{
			DatasetID: "ds", SourceID: "feed", LastSequenceID: 15, ChunkSeq: 3, Timestamp: ts.Add(time.Hour),
		}))
		cp, err = s.LatestCheckpoint(ctx, "ds", "feed")
		require.NoError(t, err)
		require.EqualValues(t, 15, cp.LastSequenceID)
	})
}
