// Package mock provides a test double for the [voiceprint.Model] capability.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

// Compile-time assertion that Model implements voiceprint.Model.
var _ voiceprint.Model = (*Model)(nil)

// Model is a configurable mock embedding model. Function fields override the
// default behaviour; unset fields fall back to a deterministic embedding
// derived from the input samples so that identical audio always yields an
// identical vector.
type Model struct {
	// EmbedFunc overrides Embed when non-nil.
	EmbedFunc func(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)

	// CloseFunc overrides Close when non-nil.
	CloseFunc func() error

	// Dim is the output dimension of the default embedding. Zero means 8.
	Dim int

	mu     sync.Mutex
	embeds int
	closed bool
}

// Embed implements [voiceprint.Model.Embed].
func (m *Model) Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	m.mu.Lock()
	m.embeds++
	m.mu.Unlock()

	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, samples, sampleRate)
	}

	// Deterministic default: bucket signal energy across the vector so
	// different audio content produces different, stable embeddings.
	dim := m.Dimensions()
	vec := make([]float32, dim)
	if len(samples) == 0 {
		return vec, nil
	}
	per := len(samples) / dim
	if per == 0 {
		per = 1
	}
	for i, s := range samples {
		bucket := i / per
		if bucket >= dim {
			bucket = dim - 1
		}
		vec[bucket] += s * s
	}
	for i := range vec {
		vec[i] /= float32(per)
	}
	return vec, nil
}

// Dimensions implements [voiceprint.Model.Dimensions].
func (m *Model) Dimensions() int {
	if m.Dim > 0 {
		return m.Dim
	}
	return 8
}

// Close implements [voiceprint.Model.Close].
func (m *Model) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// EmbedCalls returns how many times Embed has been invoked.
func (m *Model) EmbedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embeds
}

// Closed reports whether Close has been called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
