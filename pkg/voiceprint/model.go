package voiceprint

import "context"

// Model is the opaque speaker-embedding capability. Implementations wrap
// whatever actually computes the vector — a local inference runtime, a model
// server, a test double — behind an explicit init/shutdown lifecycle.
//
// The underlying model is expensive to load. A single Model instance is
// created per process and injected into the [Extractor]; callers must not
// assume it tolerates concurrent Embed calls — serialization is the
// extractor's job.
type Model interface {
	// Embed computes the voiceprint for the given mono samples. Samples are
	// float32 PCM in [-1, 1] at the given sample rate. The returned vector
	// has the model's fixed output dimension.
	Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)

	// Dimensions returns the model's output vector dimension.
	Dimensions() int

	// Close releases model resources. The Model must not be used afterwards.
	Close() error
}
