package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ingestd/internal/storage"
)

func (s *SQLiteStorage) CreateStreamChunk(ctx context.Context, chunk storage.StreamChunk) error {
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO stream_chunks (dataset_id, source_id, seq, start_time, end_time, record_count, pointer, checksum, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset_id, source_id, seq) DO UPDATE SET
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			record_count = excluded.record_count,
			pointer = excluded.pointer,
			checksum = excluded.checksum,
			payload = excluded.payload
	`

	_, err := s.conn.ExecContext(ctx, query,
		chunk.DatasetID, chunk.SourceID, chunk.Seq,
		chunk.StartTime.UTC(), chunk.EndTime.UTC(), chunk.RecordCount,
		chunk.Pointer, chunk.Checksum, chunk.Payload, chunk.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store stream chunk: %w", err)
	}
	return nil
}

// CreateStreamCheckpoint never moves a checkpoint backwards, so a retried
// older write is a no-op.
func (s *SQLiteStorage) CreateStreamCheckpoint(ctx context.Context, cp storage.StreamCheckpoint) error {
	query := `
		INSERT INTO stream_checkpoints (dataset_id, source_id, last_sequence_id, chunk_seq, timestamp, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset_id, source_id) DO UPDATE SET
			last_sequence_id = excluded.last_sequence_id,
			chunk_seq = excluded.chunk_seq,
			timestamp = excluded.timestamp,
			updated_at = excluded.updated_at
		WHERE excluded.last_sequence_id >= stream_checkpoints.last_sequence_id
	`

	_, err := s.conn.ExecContext(ctx, query,
		cp.DatasetID, cp.SourceID, cp.LastSequenceID, cp.ChunkSeq, cp.Timestamp.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store stream checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) LatestCheckpoint(ctx context.Context, datasetID, sourceID string) (*storage.StreamCheckpoint, error) {
	query := `
		SELECT dataset_id, source_id, last_sequence_id, chunk_seq, timestamp
		FROM stream_checkpoints
		WHERE dataset_id = ? AND source_id = ?
	`

	var cp storage.StreamCheckpoint
	err := s.conn.QueryRowContext(ctx, query, datasetID, sourceID).Scan(
		&cp.DatasetID, &cp.SourceID, &cp.LastSequenceID, &cp.ChunkSeq, &cp.Timestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s/%s: %w", datasetID, sourceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *SQLiteStorage) ListChunks(ctx context.Context, datasetID, sourceID string) ([]storage.StreamChunk, error) {
	query := `
		SELECT dataset_id, source_id, seq, start_time, end_time, record_count, pointer, checksum, payload, created_at
		FROM stream_chunks
		WHERE dataset_id = ? AND source_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, datasetID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]storage.StreamChunk, 0)
	for rows.Next() {
		var c storage.StreamChunk
		err := rows.Scan(
			&c.DatasetID, &c.SourceID, &c.Seq, &c.StartTime, &c.EndTime,
			&c.RecordCount, &c.Pointer, &c.Checksum, &c.Payload, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return chunks, nil
}
