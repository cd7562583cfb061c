// Package identify proposes speaker identities for voiceprint embeddings by
// nearest-neighbour search over confirmed embeddings.
//
// UNKNOWN is an expected outcome, not a fault: a voice whose best match
// falls below the configured threshold simply has no known identity yet and
// is left for clustering and human review.
package identify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/vocalid/internal/observe"
	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

// ErrUnknownSpeaker is returned when no confirmed candidate clears the
// similarity threshold.
var ErrUnknownSpeaker = errors.New("identify: no candidate above threshold")

// Scope selects the candidate set for identification.
type Scope string

const (
	// ScopeRun restricts candidates to confirmed embeddings of the same
	// run. The conservative default: voices are compared against people
	// already confirmed in this recording.
	ScopeRun Scope = "run"

	// ScopeGlobal compares against every confirmed embedding in the store.
	ScopeGlobal Scope = "global"
)

// IsValid reports whether s is a recognised scope.
func (s Scope) IsValid() bool {
	return s == ScopeRun || s == ScopeGlobal
}

// Match is a successful identification proposal.
type Match struct {
	// SpeakerID is the proposed identity.
	SpeakerID string

	// Confidence is the cosine similarity of the best candidate, in [-1, 1].
	Confidence float64
}

// Option is a functional option for configuring an [Identifier].
type Option func(*Identifier)

// WithScope sets the candidate scope. Default: [ScopeRun].
func WithScope(s Scope) Option {
	return func(i *Identifier) {
		i.scope = s
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Identifier) {
		i.metrics = m
	}
}

// Identifier proposes speaker identities by cosine similarity against the
// confirmed embeddings in a [voiceprint.Store].
//
// Identify is deterministic for a fixed (vector, candidate set): candidates
// arrive ordered most-recently-confirmed first, and similarity ties keep the
// earlier (more recent) candidate.
type Identifier struct {
	store     voiceprint.Store
	threshold float64
	scope     Scope
	metrics   *observe.Metrics
}

// New returns an [Identifier] that accepts matches with cosine similarity of
// at least threshold.
func New(store voiceprint.Store, threshold float64, opts ...Option) *Identifier {
	i := &Identifier{
		store:     store,
		threshold: threshold,
		scope:     ScopeRun,
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Identify returns the best-matching confirmed speaker for vector, or
// [ErrUnknownSpeaker] when no candidate reaches the threshold.
func (i *Identifier) Identify(ctx context.Context, vector []float32, runID string) (Match, error) {
	began := time.Now()

	scopeRun := runID
	if i.scope == ScopeGlobal {
		scopeRun = ""
	}
	candidates, err := i.store.ListConfirmed(ctx, scopeRun)
	if err != nil {
		return Match{}, fmt.Errorf("identify: list candidates: %w", err)
	}

	best := Match{Confidence: math.Inf(-1)}
	for _, cand := range candidates {
		if cand.SpeakerID == nil || len(cand.Vector) != len(vector) {
			continue
		}
		// Strictly-greater keeps the first candidate on ties, and the
		// store orders candidates most-recently-confirmed first.
		if sim := Cosine(vector, cand.Vector); sim > best.Confidence {
			best = Match{SpeakerID: *cand.SpeakerID, Confidence: sim}
		}
	}

	if best.SpeakerID == "" || best.Confidence < i.threshold {
		i.metrics.RecordIdentification(ctx, "unknown", time.Since(began).Seconds())
		return Match{}, ErrUnknownSpeaker
	}
	i.metrics.RecordIdentification(ctx, "matched", time.Since(began).Seconds())
	return best, nil
}

// Cosine returns the cosine similarity of a and b. Zero-magnitude or
// mismatched-length inputs yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
