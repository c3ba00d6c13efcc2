package fieldaccess

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rpattn/jiracache/internal/domain"
)

// Converter transforms one field value. arg is the optional second argument of
// the access expression; converters pick their own default when it is empty.
type Converter func(value domain.Value, arg string) (domain.Value, error)

// Registry maps stable converter identifiers to converters. It is filled at
// startup; lookups of unknown names fail when a field config is bound.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{converters: make(map[string]Converter)}
}

// DefaultRegistry returns a registry holding the built-in converters.
func DefaultRegistry() *Registry {
	registry := NewRegistry()
	for name, converter := range builtinConverters() {
		// Built-in names are unique and non-empty.
		_ = registry.Register(name, converter)
	}
	return registry
}

// Register adds a converter under name. Names are case-sensitive identifiers.
func (r *Registry) Register(name string, converter Converter) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: converter name is required", domain.ErrInvalidConfig)
	}
	if converter == nil {
		return fmt.Errorf("%w: converter %s is nil", domain.ErrInvalidConfig, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.converters[name]; exists {
		return fmt.Errorf("%w: converter %s already registered", domain.ErrInvalidConfig, name)
	}
	r.converters[name] = converter
	return nil
}

// Lookup resolves a converter. Qualified names ("module.join") resolve by
// their last segment when no exact entry exists.
func (r *Registry) Lookup(name string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if converter, ok := r.converters[name]; ok {
		return converter, nil
	}
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		if converter, ok := r.converters[name[idx+1:]]; ok {
			return converter, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownConverter, name)
}

// Names lists the registered identifiers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.converters))
	for name := range r.converters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Accessor is a FieldAccessConfig with its converter resolved.
type Accessor struct {
	Config    domain.FieldAccessConfig
	converter Converter
}

// Bind resolves the converter of cfg. A config without converter binds to identity.
func (r *Registry) Bind(cfg domain.FieldAccessConfig) (Accessor, error) {
	if cfg.Converter == "" {
		return Accessor{Config: cfg}, nil
	}
	converter, err := r.Lookup(cfg.Converter)
	if err != nil {
		return Accessor{}, err
	}
	return Accessor{Config: cfg, converter: converter}, nil
}

// Convert applies the bound converter to value.
func (a Accessor) Convert(value domain.Value) (domain.Value, error) {
	if a.converter == nil {
		return value, nil
	}
	converted, err := a.converter(value, a.Config.Arg)
	if err != nil {
		return domain.Null, fmt.Errorf("convert %s with %s: %w", a.Config.Path, a.Config.Converter, err)
	}
	return converted, nil
}
