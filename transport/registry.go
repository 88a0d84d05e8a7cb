package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-dispatch/core"
)

// DestinationKey is the queue entry metadata key naming the destination
// kind a row is routed to.
const DestinationKey = "destination"

// Adapter is a transport bound to one destination kind.
type Adapter interface {
	core.Transport
	Kind() string
}

type AdapterFactory func(config map[string]any) (Adapter, error)

type Registry struct {
	mu        sync.RWMutex
	adapters  map[string]Adapter
	factories map[string]AdapterFactory
}

func NewRegistry() *Registry {
	return &Registry{
		adapters:  map[string]Adapter{},
		factories: map[string]AdapterFactory{},
	}
}

// NewDefaultRegistry registers the noop adapter and the webhook factory.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	_ = registry.Register(NewNoopAdapter())
	_ = registry.RegisterFactory(KindWebhook, func(config map[string]any) (Adapter, error) {
		return NewWebhookAdapterFromConfig(config)
	})
	return registry
}

func (r *Registry) Register(adapter Adapter) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	if adapter == nil {
		return fmt.Errorf("transport: adapter is nil")
	}
	kind := normalizeKind(adapter.Kind())
	if kind == "" {
		return fmt.Errorf("transport: adapter kind is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[kind]; exists {
		return fmt.Errorf("transport: adapter kind %q already registered", kind)
	}
	r.adapters[kind] = adapter
	return nil
}

func (r *Registry) RegisterFactory(kind string, factory AdapterFactory) error {
	if r == nil {
		return fmt.Errorf("transport: registry is nil")
	}
	kind = normalizeKind(kind)
	if kind == "" {
		return fmt.Errorf("transport: adapter kind is required")
	}
	if factory == nil {
		return fmt.Errorf("transport: adapter factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("transport: adapter factory kind %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// Build returns the registered adapter for kind, or builds one from its
// factory with config. Built adapters are not cached.
func (r *Registry) Build(kind string, config map[string]any) (Adapter, error) {
	if r == nil {
		return nil, fmt.Errorf("transport: registry is nil")
	}
	kind = normalizeKind(kind)
	if kind == "" {
		return nil, fmt.Errorf("transport: adapter kind is required")
	}

	r.mu.RLock()
	adapter, ok := r.adapters[kind]
	factory := r.factories[kind]
	r.mu.RUnlock()
	if ok {
		return adapter, nil
	}
	if factory == nil {
		return nil, fmt.Errorf("transport: adapter kind %q not registered", kind)
	}
	built, err := factory(cloneMap(config))
	if err != nil {
		return nil, err
	}
	if built == nil {
		return nil, fmt.Errorf("transport: factory for %q returned nil adapter", kind)
	}
	return built, nil
}

func (r *Registry) Get(kind string) (Adapter, bool) {
	if r == nil {
		return nil, false
	}
	kind = normalizeKind(kind)
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[kind]
	return adapter, ok
}

func (r *Registry) List() []Adapter {
	if r == nil {
		return []Adapter{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	result := make([]Adapter, 0, len(kinds))
	for _, kind := range kinds {
		result = append(result, r.adapters[kind])
	}
	return result
}

// Router is the core.Transport handed to the worker pool. It picks the
// adapter from the entry's destination metadata and falls back to
// DefaultKind.
type Router struct {
	Registry    *Registry
	DefaultKind string
}

func NewRouter(registry *Registry, defaultKind string) *Router {
	return &Router{Registry: registry, DefaultKind: normalizeKind(defaultKind)}
}

func (r *Router) Deliver(ctx context.Context, delivery core.Delivery) error {
	if r == nil || r.Registry == nil {
		return fmt.Errorf("transport: router is not configured")
	}
	kind := r.DefaultKind
	if value, ok := delivery.Entry.Metadata[DestinationKey].(string); ok && strings.TrimSpace(value) != "" {
		kind = normalizeKind(value)
	}
	if kind == "" {
		return core.NonRetryable(fmt.Errorf("transport: no destination for entry %s", delivery.Entry.ID))
	}
	adapter, ok := r.Registry.Get(kind)
	if !ok {
		return core.NonRetryable(fmt.Errorf("transport: destination %q is not registered", kind))
	}
	return adapter.Deliver(ctx, delivery)
}

func normalizeKind(kind string) string {
	return strings.TrimSpace(strings.ToLower(kind))
}

func cloneMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	output := make(map[string]any, len(input))
	for key, value := range input {
		output[key] = value
	}
	return output
}

var _ core.Transport = (*Router)(nil)
