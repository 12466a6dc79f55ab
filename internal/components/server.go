package components

import (
	"context"
	"fmt"

	"ingestd/internal/server/api"
)

type ServerComponent struct {
	name    string
	config  api.Config
	enabled bool
	storage *StorageComponent
	runtime *RuntimeComponent
	server  *api.Server
}

func NewServerComponent(name string, config api.Config, enabled bool, storage *StorageComponent, runtime *RuntimeComponent) *ServerComponent {
	return &ServerComponent{
		name:    name,
		config:  config,
		enabled: enabled,
		storage: storage,
		runtime: runtime,
	}
}

func (c *ServerComponent) Name() string {
	return ServerComponentName
}

func (c *ServerComponent) Dependencies() []string {
	return []string{StorageComponentName, RuntimeComponentName}
}

func (c *ServerComponent) Validate() error {
	return nil
}

func (c *ServerComponent) Initialize(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	server := api.New(c.name, c.config, c.runtime.Runtime(), c.storage.Store())
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server: failed to start api server %s: %w", c.name, err)
	}

	c.server = server
	return nil
}

func (c *ServerComponent) Close(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *ServerComponent) Server() *api.Server {
	return c.server
}
