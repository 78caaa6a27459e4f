package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

var (
	ErrBackendNotFound   = errors.New("backend not found")
	ErrBackendRegistered = errors.New("backend already registered")
	ErrBackendInvalid    = errors.New("backend name is required")
	ErrModelNotFound     = errors.New("model not available")
)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a backend factory to the registry by name.
func Register(name string, factory Factory) error {
	if strings.TrimSpace(name) == "" {
		return ErrBackendInvalid
	}
	if factory == nil {
		return errors.New("backend factory is nil")
	}

	key := strings.ToLower(strings.TrimSpace(name))
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[key]; exists {
		return ErrBackendRegistered
	}

	registry[key] = factory
	return nil
}

// New builds the named backend.
func New(name string, opts Options) (Backend, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, ErrBackendInvalid
	}

	registryMu.RLock()
	factory, ok := registry[key]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}

	return factory(opts)
}

// Names returns all registered backend names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultName returns the default backend name.
func DefaultName() string {
	return "ollama"
}

// CheckModel reports whether model is served by b. Ollama reports tagged
// names ("llama3.2:latest"), so an untagged request matches its :latest tag.
func CheckModel(ctx context.Context, b Backend, model string) ([]string, error) {
	available, err := b.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	model = strings.TrimSpace(model)
	if slices.Contains(available, model) || slices.Contains(available, model+":latest") {
		return available, nil
	}
	return available, fmt.Errorf("%w: %s", ErrModelNotFound, model)
}
