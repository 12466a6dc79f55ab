// Package redisstore stores datasets and stream output in Redis. Chunks are kept
// as JSON values indexed by a sorted set per source.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"ingestd/internal/storage"
)

const DefaultKeyPrefix = "ingestd:"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	storage.RegisterFactory("redis", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return New(ctx, cfg)
	})
}

type RedisStorage struct {
	client *redis.Client
	prefix string
}

func New(ctx context.Context, cfg storage.Config) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis storage requires an address")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	slog.Info("Initializing Redis storage", "addr", cfg.Addr, "db", cfg.DB, "prefix", prefix)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	slog.Info("Storage initialized successfully")
	return &RedisStorage{client: client, prefix: prefix}, nil
}

func (s *RedisStorage) datasetKey(id string) string {
	return s.prefix + "dataset:" + id
}

func (s *RedisStorage) chunkKey(datasetID, sourceID string, seq int64) string {
	return fmt.Sprintf("%schunk:%s:%s:%d", s.prefix, datasetID, sourceID, seq)
}

func (s *RedisStorage) chunkIndexKey(datasetID, sourceID string) string {
	return fmt.Sprintf("%schunks:%s:%s", s.prefix, datasetID, sourceID)
}

func (s *RedisStorage) checkpointKey(datasetID, sourceID string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s", s.prefix, datasetID, sourceID)
}

func (s *RedisStorage) CreateDataset(ctx context.Context, ds storage.Dataset) error {
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to encode dataset: %w", err)
	}
	if err := s.client.Set(ctx, s.datasetKey(ds.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store dataset: %w", err)
	}
	return nil
}

func (s *RedisStorage) GetDataset(ctx context.Context, id string) (*storage.Dataset, error) {
	data, err := s.client.Get(ctx, s.datasetKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("dataset %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	var ds storage.Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %w", err)
	}
	return &ds, nil
}

func (s *RedisStorage) CreateStreamChunk(ctx context.Context, chunk storage.StreamChunk) error {
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to encode stream chunk: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.chunkKey(chunk.DatasetID, chunk.SourceID, chunk.Seq), data, 0)
		pipe.ZAdd(ctx, s.chunkIndexKey(chunk.DatasetID, chunk.SourceID), redis.Z{
			Score:  float64(chunk.Seq),
			Member: strconv.FormatInt(chunk.Seq, 10),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store stream chunk: %w", err)
	}
	return nil
}

// CreateStreamCheckpoint never moves a checkpoint backwards. The compare and
// set runs under WATCH so concurrent writers cannot interleave.
func (s *RedisStorage) CreateStreamCheckpoint(ctx context.Context, cp storage.StreamCheckpoint) error {
	key := s.checkpointKey(cp.DatasetID, cp.SourceID)
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode stream checkpoint: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var existing storage.StreamCheckpoint
			if err := json.Unmarshal(current, &existing); err == nil && existing.LastSequenceID > cp.LastSequenceID {
				return nil
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to store stream checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStorage) LatestCheckpoint(ctx context.Context, datasetID, sourceID string) (*storage.StreamCheckpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(datasetID, sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("checkpoint %s/%s: %w", datasetID, sourceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp storage.StreamCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisStorage) ListChunks(ctx context.Context, datasetID, sourceID string) ([]storage.StreamChunk, error) {
	seqs, err := s.client.ZRange(ctx, s.chunkIndexKey(datasetID, sourceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	chunks := make([]storage.StreamChunk, 0, len(seqs))
	if len(seqs) == 0 {
		return chunks, nil
	}

	keys := make([]string, len(seqs))
	for i, member := range seqs {
		seq, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt chunk index entry %q: %w", member, err)
		}
		keys[i] = s.chunkKey(datasetID, sourceID, seq)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			slog.Warn("Chunk indexed but missing", "key", keys[i])
			continue
		}
		var c storage.StreamChunk
		if err := json.UnmarshalFromString(str, &c); err != nil {
			return nil, fmt.Errorf("failed to decode chunk %s: %w", keys[i], err)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func (s *RedisStorage) Close(ctx context.Context) error {
	return s.client.Close()
}
