package storage

import (
	"context"
	"fmt"
	"sync"
)

const DefaultType = "sqlite"

type Config struct {
	Type      string `toml:"type"`
	Path      string `toml:"path"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	factoryMu    sync.RWMutex
	factoryFuncs = map[string]Factory{}
)

func RegisterFactory(storageType string, fn Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factoryFuncs[storageType] = fn
}

func New(ctx context.Context, cfg Config) (Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = DefaultType
	}

	factoryMu.RLock()
	fn, exists := factoryFuncs[storageType]
	factoryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}

	return fn(ctx, cfg)
}
