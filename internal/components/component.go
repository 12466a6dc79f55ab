package components

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ingestd/internal/graph"
)

const (
	StorageComponentName = "storage"
	RuntimeComponentName = "runtime"
	ServerComponentName  = "server"
)

type IComponent interface {
	Name() string
	Dependencies() []string
	Validate() error
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
}

type Registry struct {
	components map[string]IComponent
	order      []string
}

func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]IComponent),
		order:      make([]string, 0),
	}
}

func (r *Registry) Register(component IComponent) error {
	name := component.Name()
	if _, exists := r.components[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	r.components[name] = component
	return nil
}

func (r *Registry) Get(name string) (IComponent, bool) {
	comp, exists := r.components[name]
	return comp, exists
}

// InitializeAll validates every component and then initializes them in
// dependency order. On failure the components already initialized are
// closed again.
func (r *Registry) InitializeAll(ctx context.Context) error {
	nodes := make(map[string]graph.Node, len(r.components))
	for name, comp := range r.components {
		nodes[name] = &componentNode{comp: comp}
	}

	if err := graph.ValidateGraph(nodes); err != nil {
		return err
	}
	order, err := graph.TopologicalSort(nodes)
	if err != nil {
		return err
	}

	for _, name := range order {
		if err := r.components[name].Validate(); err != nil {
			return fmt.Errorf("component %s validation failed: %w", name, err)
		}
	}

	for _, name := range order {
		slog.Debug("Initializing component", "component", name)
		if err := r.components[name].Initialize(ctx); err != nil {
			_ = r.CloseAll(ctx)
			return fmt.Errorf("component %s initialization failed: %w", name, err)
		}
		r.order = append(r.order, name)
	}

	return nil
}

// Order lists the initialized components, dependencies first.
func (r *Registry) Order() []string {
	return r.order
}

type componentNode struct {
	comp IComponent
}

func (cn *componentNode) GetName() string {
	return cn.comp.Name()
}

func (cn *componentNode) GetDependencies() []string {
	return cn.comp.Dependencies()
}

// CloseAll closes initialized components in reverse order. Every component
// is closed even if an earlier one fails.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if err := r.components[name].Close(ctx); err != nil {
			slog.Error("Error closing component", "component", name, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.order = r.order[:0]
	return errors.Join(errs...)
}
