// Package voiceprint provides speaker-embedding extraction and storage for
// the vocalid identity-resolution pipeline.
//
// An embedding (voiceprint) is a fixed-length vector summarising a speaker's
// voice over one diarization segment. The package covers three concerns:
//
//   - [Model]: the opaque embedding-model capability with an explicit
//     lifecycle, injected rather than held as ambient global state.
//   - [Extractor]: resolves a stored audio reference, decodes the segment's
//     span, and runs the model — with every call serialized through one
//     process-wide queue to bound peak model memory.
//   - [Store]: vector upsert/query keyed strictly by the owning segment's
//     ID. The key is validated at this boundary so that violations fail
//     fast instead of silently corrupting cross-store joins.
package voiceprint

import (
	"errors"
	"time"
)

// Sentinel errors for the voiceprint package.
var (
	// ErrNotFound is returned when no embedding exists for the requested
	// segment.
	ErrNotFound = errors.New("voiceprint: embedding not found")

	// ErrKeyMismatch is returned by [Store.Put] when the embedding key does
	// not equal the owning segment's ID. An earlier implementation minted
	// fresh random IDs here and silently broke every cross-store join, so
	// the store boundary rejects the write outright.
	ErrKeyMismatch = errors.New("voiceprint: embedding key does not match owning segment id")

	// ErrExtraction is returned when audio decode or model inference fails.
	// Retryable; the extractor never substitutes a zero vector.
	ErrExtraction = errors.New("voiceprint: extraction failed")
)

// Embedding is one stored voiceprint. There is at most one per segment;
// writes for an existing segment replace the previous vector.
type Embedding struct {
	// SegmentID is the owning segment's ID and the storage key. Never a
	// freshly generated identifier.
	SegmentID string

	// RunID is the diarization run the segment belongs to.
	RunID string

	// Vector is the fixed-length voiceprint. Dimension must match the
	// store's configuration.
	Vector []float32

	// SpeakerID mirrors the segment's confirmed speaker identity. Nil while
	// the voice is unidentified; clustering only ever sees nil entries.
	SpeakerID *string

	// SpeakerLabel mirrors the raw diarizer label for diagnostics.
	SpeakerLabel string

	// UpdatedAt is bumped on every write, including speaker updates. The
	// identifier uses it to break similarity ties in favour of the most
	// recently confirmed candidate.
	UpdatedAt time.Time
}
