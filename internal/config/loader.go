package config

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/samber/lo"

	"ingestd/internal/components"
	"ingestd/internal/core"
)

// App owns the component registry built from a config.
type App struct {
	config   *Config
	registry *components.Registry
	runtime  *components.RuntimeComponent
	server   *components.ServerComponent
	opts     []core.RuntimeOption
}

// AppOption adds runtime options on top of the ones derived from config.
type AppOption func(*App)

func WithRuntimeOptions(opts ...core.RuntimeOption) AppOption {
	return func(a *App) { a.opts = append(a.opts, opts...) }
}

func NewApp(cfg *Config, opts ...AppOption) (*App, error) {
	app := &App{config: cfg, registry: components.NewRegistry()}
	for _, opt := range opts {
		opt(app)
	}

	storage := components.NewStorageComponent(cfg.Storage)

	runtimeOpts := append([]core.RuntimeOption{
		core.WithLogger(slog.Default().With("runtime", cfg.Runtime.Name)),
		core.WithFetchConfig(cfg.Fetcher.FetchConfig()),
		core.WithAllowedDomains(cfg.Fetcher.Domains()...),
	}, app.opts...)
	app.runtime = components.NewRuntimeComponent(storage, app.streamSpecs(), runtimeOpts...)
	app.server = components.NewServerComponent(cfg.Runtime.Name, cfg.Server.APIConfig(), cfg.Server.IsEnabled(), storage, app.runtime)

	for _, c := range []components.IComponent{storage, app.runtime, app.server} {
		if err := app.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (a *App) streamSpecs() []components.StreamSpec {
	ids := lo.Keys(a.config.Streams)
	slices.Sort(ids)

	var specs []components.StreamSpec
	for _, id := range ids {
		s := a.config.Streams[id]
		if !s.IsEnabled() {
			slog.Info("Stream disabled in config", "stream", id)
			continue
		}
		specs = append(specs, components.StreamSpec{ID: id, DatasetID: s.DatasetID, Source: s.Source})
	}
	return specs
}

func (a *App) Start(ctx context.Context) error {
	if err := a.registry.InitializeAll(ctx); err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	slog.Info("Components initialized", "order", a.registry.Order())
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.registry.CloseAll(ctx)
}

func (a *App) Runtime() *core.Runtime {
	return a.runtime.Runtime()
}

// Addr is the API listen address, or empty when the server is disabled.
func (a *App) Addr() string {
	if srv := a.server.Server(); srv != nil {
		return srv.Addr()
	}
	return ""
}

func (a *App) Config() *Config {
	return a.config
}

func LoadAndBuild(ctx context.Context, path string, opts ...AppOption) (*App, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	return app, nil
}
