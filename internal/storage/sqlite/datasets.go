package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ingestd/internal/storage"
)

func (s *SQLiteStorage) CreateDataset(ctx context.Context, ds storage.Dataset) error {
	schemaJSON, err := json.Marshal(ds.Schema)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	metaJSON, err := json.Marshal(ds.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	dataJSON, err := json.Marshal(ds.Data)
	if err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO datasets (id, name, source_type, storage_uri, checksum, record_count, schema_json, metadata_json, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source_type = excluded.source_type,
			storage_uri = excluded.storage_uri,
			checksum = excluded.checksum,
			record_count = excluded.record_count,
			schema_json = excluded.schema_json,
			metadata_json = excluded.metadata_json,
			data_json = excluded.data_json
	`

	_, err = s.conn.ExecContext(ctx, query,
		ds.ID, ds.Name, ds.SourceType, ds.StorageURI, ds.Checksum, ds.RecordCount,
		string(schemaJSON), string(metaJSON), string(dataJSON), ds.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to store dataset: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetDataset(ctx context.Context, id string) (*storage.Dataset, error) {
	query := `
		SELECT id, name, source_type, storage_uri, checksum, record_count, schema_json, metadata_json, data_json, created_at
		FROM datasets
		WHERE id = ?
	`

	var (
		ds                           storage.Dataset
		schemaJSON, metaJSON, rowsJS string
	)
	err := s.conn.QueryRowContext(ctx, query, id).Scan(
		&ds.ID, &ds.Name, &ds.SourceType, &ds.StorageURI, &ds.Checksum, &ds.RecordCount,
		&schemaJSON, &metaJSON, &rowsJS, &ds.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dataset: %w", err)
	}

	if err := json.UnmarshalFromString(schemaJSON, &ds.Schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	if err := json.UnmarshalFromString(metaJSON, &ds.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := json.UnmarshalFromString(rowsJS, &ds.Data); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	return &ds, nil
}
