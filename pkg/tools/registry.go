// Package tools implements the function-calling machinery: a process-wide
// tool registry, a guarded executor, and the router that drives the
// multi-turn tool loop against an LLM backend.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fluidmcp/fluidmcp/pkg/models"
)

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// Handler executes one tool call and returns its stringified output.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Resolver maps a tool name to its handler. The Registry implements it; the
// dispatcher composes it with a dynamic MCP resolver.
type Resolver interface {
	Resolve(name string) (Handler, bool)
}

type registration struct {
	handler Handler
	schema  map[string]any
	spec    models.ToolSpec
}

// Registry is the process-wide map of locally registered tools.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register adds a tool. The schema must be a JSON-Schema object type; a
// duplicate name is an error.
func (r *Registry) Register(name, description string, schema map[string]any, h Handler) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if h == nil {
		return errors.New("tool handler is required")
	}
	if err := ValidateSchema(schema); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.entries[name] = registration{
		handler: h,
		schema:  schema,
		spec: models.ToolSpec{
			Name:        name,
			Description: description,
			InputSchema: schema,
		},
	}
	return nil
}

// Unregister removes a tool; reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.entries[name]
	delete(r.entries, name)
	return existed
}

// Clear removes every registration. Privileged reset, used by tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]registration)
	r.mu.Unlock()
}

// Resolve returns the handler for name.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Specs lists the registered tools sorted by name.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSpec, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateSchema checks that schema is a JSON-Schema object with properties
// and that any required list only references declared properties.
func ValidateSchema(schema map[string]any) error {
	if schema == nil {
		return errors.New("schema is required")
	}
	if t, _ := schema["type"].(string); t != "object" {
		return errors.New("schema type must be \"object\"")
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return errors.New("schema must declare properties")
	}
	required, present := schema["required"]
	if !present {
		return nil
	}
	list, ok := required.([]any)
	if !ok {
		// Accept the typed form produced by Go callers.
		typed, ok := required.([]string)
		if !ok {
			return errors.New("schema required must be a list")
		}
		for _, name := range typed {
			if _, declared := props[name]; !declared {
				return fmt.Errorf("required property %q is not declared", name)
			}
		}
		return nil
	}
	for _, item := range list {
		name, ok := item.(string)
		if !ok {
			return errors.New("schema required entries must be strings")
		}
		if _, declared := props[name]; !declared {
			return fmt.Errorf("required property %q is not declared", name)
		}
	}
	return nil
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(name string) (Handler, bool)

func (f ResolverFunc) Resolve(name string) (Handler, bool) { return f(name) }

// ChainResolvers tries each resolver in order.
func ChainResolvers(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(name string) (Handler, bool) {
		for _, r := range resolvers {
			if h, ok := r.Resolve(name); ok {
				return h, true
			}
		}
		return nil, false
	})
}
