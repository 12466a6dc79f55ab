package components

import (
	"context"
	"fmt"

	"ingestd/internal/storage"
	_ "ingestd/internal/storage/redisstore"
	_ "ingestd/internal/storage/sqlite"
)

type StorageComponent struct {
	config storage.Config
	store  storage.Store
}

func NewStorageComponent(config storage.Config) *StorageComponent {
	return &StorageComponent{config: config}
}

func (c *StorageComponent) Name() string {
	return StorageComponentName
}

func (c *StorageComponent) Dependencies() []string {
	return []string{}
}

func (c *StorageComponent) Validate() error {
	switch c.config.Type {
	case "", "sqlite":
		if c.config.Path == "" {
			return fmt.Errorf("storage: database path is required")
		}
	case "redis":
		if c.config.Addr == "" {
			return fmt.Errorf("storage: redis address is required")
		}
	}
	return nil
}

func (c *StorageComponent) Initialize(ctx context.Context) error {
	store, err := storage.New(ctx, c.config)
	if err != nil {
		return fmt.Errorf("storage: failed to initialize store: %w", err)
	}

	c.store = store
	return nil
}

func (c *StorageComponent) Close(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Close(ctx)
}

func (c *StorageComponent) Store() storage.Store {
	return c.store
}
