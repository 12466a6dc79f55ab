package components

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/samber/lo"

	"ingestd/internal/core"
	"ingestd/internal/types"
)

// StreamSpec is a streaming source started at boot.
type StreamSpec struct {
	ID        string
	DatasetID string
	Source    types.StreamingSourceConfig
}

type RuntimeComponent struct {
	storage *StorageComponent
	opts    []core.RuntimeOption
	streams []StreamSpec
	runtime *core.Runtime
}

func NewRuntimeComponent(storage *StorageComponent, streams []StreamSpec, opts ...core.RuntimeOption) *RuntimeComponent {
	return &RuntimeComponent{storage: storage, streams: streams, opts: opts}
}

func (c *RuntimeComponent) Name() string {
	return RuntimeComponentName
}

func (c *RuntimeComponent) Dependencies() []string {
	return []string{StorageComponentName}
}

func (c *RuntimeComponent) Validate() error {
	ids := lo.Map(c.streams, func(s StreamSpec, _ int) string { return s.ID })
	if dups := lo.FindDuplicates(ids); len(dups) > 0 {
		return fmt.Errorf("runtime: duplicate stream ids %v", dups)
	}
	if slices.Contains(ids, "") {
		return fmt.Errorf("runtime: stream id is required")
	}
	return nil
}

// Initialize builds the runtime and starts the configured streams. A stream
// that cannot start fails the boot.
func (c *RuntimeComponent) Initialize(ctx context.Context) error {
	c.runtime = core.NewRuntime(c.opts...)

	for _, s := range c.streams {
		if err := c.runtime.StartStreamingAdapter(ctx, s.ID, s.Source, c.storage.Store(), s.DatasetID); err != nil {
			_ = c.runtime.StopAll(ctx)
			return fmt.Errorf("runtime: start stream %s: %w", s.ID, err)
		}
	}

	slog.Info("Ingestion runtime ready", "streams", len(c.streams), "adapters", c.runtime.Adapters())
	return nil
}

func (c *RuntimeComponent) Close(ctx context.Context) error {
	if c.runtime == nil {
		return nil
	}
	return c.runtime.StopAll(ctx)
}

func (c *RuntimeComponent) Runtime() *core.Runtime {
	return c.runtime
}
