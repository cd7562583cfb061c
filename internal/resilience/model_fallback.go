package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

// ModelFallback implements [voiceprint.Model] with automatic failover across
// multiple embedding backends. Each backend has its own circuit breaker; when
// the primary fails or its breaker is open, the next healthy fallback is
// tried.
//
// All backends must produce vectors of the same dimension — mixing models
// with different output spaces would silently corrupt the voiceprint store.
type ModelFallback struct {
	group *FallbackGroup[voiceprint.Model]
}

// Compile-time interface assertion.
var _ voiceprint.Model = (*ModelFallback)(nil)

// NewModelFallback creates a [ModelFallback] with primary as the preferred
// backend.
func NewModelFallback(primary voiceprint.Model, primaryName string, cfg FallbackConfig) *ModelFallback {
	return &ModelFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional embedding backend. Returns an error if
// its output dimension differs from the primary's.
func (f *ModelFallback) AddFallback(name string, model voiceprint.Model) error {
	if model.Dimensions() != f.Dimensions() {
		return errors.New("resilience: fallback model dimension mismatch")
	}
	f.group.AddFallback(name, model)
	return nil
}

// Embed sends the samples to the first healthy backend and returns its
// vector. If the primary fails, subsequent fallbacks are tried.
func (f *ModelFallback) Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	return ExecuteWithResult(f.group, func(m voiceprint.Model) ([]float32, error) {
		return m.Embed(ctx, samples, sampleRate)
	})
}

// Dimensions returns the output dimension of the primary. This does not
// participate in failover because every registered backend shares it.
func (f *ModelFallback) Dimensions() int {
	return f.group.entries[0].value.Dimensions()
}

// Close closes every registered backend and returns the joined errors.
func (f *ModelFallback) Close() error {
	var errs []error
	for i := range f.group.entries {
		if err := f.group.entries[i].value.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
