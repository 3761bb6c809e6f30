package classifier

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jo-hoe/lesiontriage/internal/backend/imageprocessing"
)

// ErrModelUnavailable is returned when a model cannot be loaded from its weight file.
var ErrModelUnavailable = errors.New("model unavailable")

// Model runs a single forward pass and returns the raw logits for every class.
// Implementations must be safe for concurrent use and must not mutate state across calls.
type Model interface {
	Forward(ctx context.Context, input *imageprocessing.Tensor) ([]float32, error)
	Close() error
}

// ModelParams carries everything a backend needs to load a model.
type ModelParams struct {
	Path              string
	InputName         string
	OutputName        string
	SharedLibraryPath string
	NumClasses        int
	InputResolution   int
}

// ModelFactory loads a model from its parameters
type ModelFactory func(params ModelParams) (Model, error)

// ModelRegistry manages the registration and creation of model backends
type ModelRegistry struct {
	factories map[string]ModelFactory
}

// NewModelRegistry creates a new, empty model registry
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		factories: make(map[string]ModelFactory),
	}
}

// Register adds a backend factory to the registry
func (r *ModelRegistry) Register(name string, factory ModelFactory) error {
	if name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("backend factory cannot be nil")
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("backend %s is already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Create loads a model with the named backend
func (r *ModelRegistry) Create(name string, params ModelParams) (Model, error) {
	factory, exists := r.factories[name]
	if !exists {
		return nil, fmt.Errorf("%w: unknown backend %s", ErrModelUnavailable, name)
	}

	model, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("failed to load model with backend %s: %w", name, err)
	}
	return model, nil
}

// GetRegisteredNames returns the sorted names of all registered backends
func (r *ModelRegistry) GetRegisteredNames() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry holds the built-in backends
var DefaultRegistry = NewModelRegistry()
