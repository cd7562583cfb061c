package voiceprint

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/vocalid/pkg/mediapath"
)

// Recorder receives extraction telemetry: one record per attempt with its
// status ("ok" or "error") and latency, plus queue depth movements while a
// caller waits for the extraction slot. *observe.Metrics satisfies it.
type Recorder interface {
	RecordExtraction(ctx context.Context, status string, seconds float64)
	AddQueueDepth(ctx context.Context, delta int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordExtraction(context.Context, string, float64) {}
func (nopRecorder) AddQueueDepth(context.Context, int64)              {}

// Extractor computes the voiceprint for a segment of a stored audio asset:
// resolve the stored reference, decode the WAV, cut the [start, end) span,
// run the model.
//
// Extraction is the one memory-hungry operation in the system, so every
// call — whether from an on-demand confirmation or the batch reconciliation
// job — is funnelled through a single logical queue. The weight-1 semaphore
// keeps at most one decode+inference resident at a time; callers from any
// number of goroutines simply wait their turn.
type Extractor struct {
	model    Model
	resolver *mediapath.Resolver
	queue    *semaphore.Weighted
	rec      Recorder
}

// ExtractorOption is a functional option for [NewExtractor].
type ExtractorOption func(*Extractor)

// WithRecorder sets the telemetry recorder. Default: discard.
func WithRecorder(r Recorder) ExtractorOption {
	return func(e *Extractor) {
		e.rec = r
	}
}

// NewExtractor returns an [Extractor] using the given model and path
// resolver. The model is owned by the caller; close it after the extractor
// is no longer in use.
func NewExtractor(model Model, resolver *mediapath.Resolver, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		model:    model,
		resolver: resolver,
		queue:    semaphore.NewWeighted(1),
		rec:      nopRecorder{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Dimensions returns the model's output vector dimension.
func (e *Extractor) Dimensions() int {
	return e.model.Dimensions()
}

// Extract computes the voiceprint for the span [start, end) seconds of the
// audio referenced by storedPath.
//
// Failure modes are explicit, never silent: [mediapath.ErrNotFound] when no
// candidate path resolves, [ErrExtraction] on decode or model failure. A
// zero vector is never substituted.
func (e *Extractor) Extract(ctx context.Context, storedPath string, start, end float64) (vec []float32, err error) {
	began := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.rec.RecordExtraction(ctx, status, time.Since(began).Seconds())
	}()

	localPath, err := e.resolver.Resolve(ctx, storedPath)
	if err != nil {
		return nil, err
	}

	e.rec.AddQueueDepth(ctx, 1)
	err = e.queue.Acquire(ctx, 1)
	e.rec.AddQueueDepth(ctx, -1)
	if err != nil {
		return nil, fmt.Errorf("voiceprint: acquire extraction queue: %w", err)
	}
	defer e.queue.Release(1)

	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("voiceprint: open %q: %w: %v", localPath, ErrExtraction, err)
	}
	defer f.Close()

	audio, err := decodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("voiceprint: decode %q: %w: %v", localPath, ErrExtraction, err)
	}

	samples := audio.slice(start, end)
	if len(samples) == 0 {
		return nil, fmt.Errorf("voiceprint: span [%.2f, %.2f) outside %q: %w", start, end, localPath, ErrExtraction)
	}

	vec, err = e.model.Embed(ctx, samples, audio.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("voiceprint: embed %q: %w: %v", localPath, ErrExtraction, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("voiceprint: model returned empty vector for %q: %w", localPath, ErrExtraction)
	}
	return vec, nil
}
