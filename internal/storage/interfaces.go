package storage

import (
	"context"
	"errors"
	"time"

	"ingestd/internal/types"
)

var ErrNotFound = errors.New("not found")

// StreamChunk describes one flushed batch of stream records. Payload holds
// the batch as JSON Lines and Checksum its SHA-256.
type StreamChunk struct {
	DatasetID   string    `json:"datasetId"`
	SourceID    string    `json:"sourceId"`
	Seq         int64     `json:"seq"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	RecordCount int       `json:"recordCount"`
	Pointer     string    `json:"pointer"`
	Checksum    string    `json:"checksum"`
	Payload     []byte    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StreamCheckpoint marks how far a source has been persisted.
type StreamCheckpoint struct {
	DatasetID      string    `json:"datasetId"`
	SourceID       string    `json:"sourceId"`
	LastSequenceID int64     `json:"lastSequenceId"`
	ChunkSeq       int64     `json:"chunkSeq"`
	Timestamp      time.Time `json:"timestamp"`
}

type Dataset struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	SourceType  string         `json:"sourceType"`
	StorageURI  string         `json:"storageUri"`
	Checksum    string         `json:"checksum"`
	RecordCount int            `json:"recordCount"`
	Schema      types.Schema   `json:"schema"`
	Metadata    map[string]any `json:"metadata"`
	Data        []types.Row    `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Sink receives the output of a streaming session. Both writes are upserts
// and may be retried.
type Sink interface {
	CreateStreamChunk(ctx context.Context, chunk StreamChunk) error
	CreateStreamCheckpoint(ctx context.Context, cp StreamCheckpoint) error
}

type DatasetWriter interface {
	CreateDataset(ctx context.Context, ds Dataset) error
}

// CheckpointReader is implemented by sinks that can report the last
// persisted position of a source.
type CheckpointReader interface {
	LatestCheckpoint(ctx context.Context, datasetID, sourceID string) (*StreamCheckpoint, error)
}

type Store interface {
	Sink
	DatasetWriter
	CheckpointReader
	GetDataset(ctx context.Context, id string) (*Dataset, error)
	ListChunks(ctx context.Context, datasetID, sourceID string) ([]StreamChunk, error)
	Close(ctx context.Context) error
}
