package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vocalid/pkg/voiceprint"
	"github.com/MrWong99/vocalid/pkg/voiceprint/httpmodel"
	"github.com/MrWong99/vocalid/pkg/voiceprint/mock"
)

// ErrModelNotRegistered is returned by CreateModel when no factory has been
// registered under the requested kind.
var ErrModelNotRegistered = errors.New("config: model kind not registered")

// ModelFactory constructs an embedding model from its config block.
type ModelFactory func(ModelConfig) (voiceprint.Model, error)

// Registry maps model kinds to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelFactory
}

// NewRegistry returns a [Registry] with the built-in model kinds ("http",
// "mock") pre-registered.
func NewRegistry() *Registry {
	r := &Registry{models: make(map[string]ModelFactory)}
	r.RegisterModel("http", func(mc ModelConfig) (voiceprint.Model, error) {
		if mc.URL == "" {
			return nil, errors.New("config: http model requires a url")
		}
		opts := []httpmodel.Option{}
		if mc.Timeout > 0 {
			opts = append(opts, httpmodel.WithTimeout(time.Duration(mc.Timeout)))
		}
		return httpmodel.New(mc.URL, mc.Dimensions, opts...)
	})
	r.RegisterModel("mock", func(mc ModelConfig) (voiceprint.Model, error) {
		return &mock.Model{Dim: mc.Dimensions}, nil
	})
	return r
}

// RegisterModel registers a factory under kind, replacing any previous
// registration.
func (r *Registry) RegisterModel(kind string, f ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[kind] = f
}

// CreateModel constructs the model selected by mc.Kind.
func (r *Registry) CreateModel(mc ModelConfig) (voiceprint.Model, error) {
	r.mu.RLock()
	f, ok := r.models[mc.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrModelNotRegistered, mc.Kind)
	}
	return f(mc)
}
