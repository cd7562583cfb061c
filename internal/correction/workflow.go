// Package correction implements the human-in-the-loop labeling workflow:
// confirming a single segment, confirming a proposed cluster in bulk, and
// auto-labeling a run from previously confirmed voices.
//
// Confirmations are the system's ground truth. A user assignment is never
// silently overwritten by a bulk or automatic action; only another explicit
// single-segment confirmation can supersede it.
package correction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/vocalid/internal/identify"
	"github.com/MrWong99/vocalid/internal/observe"
	"github.com/MrWong99/vocalid/pkg/diarize"
	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

// ErrConflict is returned for cluster members that a user already confirmed
// as a different speaker.
var ErrConflict = errors.New("correction: segment already confirmed as a different speaker")

// Extractor produces a voiceprint embedding for a span of a media file.
// *voiceprint.Extractor satisfies it.
type Extractor interface {
	Extract(ctx context.Context, storedPath string, start, end float64) ([]float32, error)
}

// Identifier proposes an identity for an embedding. *identify.Identifier
// satisfies it.
type Identifier interface {
	Identify(ctx context.Context, vector []float32, runID string) (identify.Match, error)
}

// MemberFailure records why one member of a bulk confirmation was not
// applied. The remaining members are unaffected.
type MemberFailure struct {
	SegmentID string
	Err       error
}

// AutoLabelStats summarises an [Workflow.AutoLabel] pass.
type AutoLabelStats struct {
	// Labeled counts segments that received an automatic assignment.
	Labeled int

	// Unknown counts segments whose best match fell below the threshold.
	// These are left for clustering and human review.
	Unknown int
}

// Workflow coordinates segment stores, the voiceprint store and the
// extractor for label corrections.
type Workflow struct {
	segments   diarize.SegmentStore
	speakers   diarize.SpeakerStore
	prints     voiceprint.Store
	extractor  Extractor
	identifier Identifier
	metrics    *observe.Metrics
	log        *slog.Logger
}

// Option is a functional option for configuring a [Workflow].
type Option func(*Workflow)

// WithIdentifier enables [Workflow.AutoLabel].
func WithIdentifier(id Identifier) Option {
	return func(w *Workflow) {
		w.identifier = id
	}
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(w *Workflow) {
		w.log = log
	}
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Workflow) {
		w.metrics = m
	}
}

// New returns a [Workflow].
func New(segments diarize.SegmentStore, speakers diarize.SpeakerStore, prints voiceprint.Store, extractor Extractor, opts ...Option) *Workflow {
	w := &Workflow{
		segments:  segments,
		speakers:  speakers,
		prints:    prints,
		extractor: extractor,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// ConfirmSegment records a user's confirmation that segmentID was spoken by
// speakerID. The segment's embedding is extracted on demand if missing, so a
// confirmation immediately strengthens future identification.
//
// Repeating an identical confirmation appends another history row and
// changes nothing else. Confirming a different speaker supersedes the
// previous assignment; the full history is retained.
func (w *Workflow) ConfirmSegment(ctx context.Context, segmentID, speakerID string) error {
	if _, err := w.speakers.GetSpeaker(ctx, speakerID); err != nil {
		return fmt.Errorf("correction: speaker %s: %w", speakerID, err)
	}
	seg, err := w.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return fmt.Errorf("correction: segment %s: %w", segmentID, err)
	}

	if err := w.ensureEmbedding(ctx, seg); err != nil {
		return err
	}
	return w.assign(ctx, segmentID, speakerID, diarize.SourceUser, 1, "segment")
}

// ConfirmCluster applies speakerID to every listed member, best effort. A
// failing member never aborts the rest; the returned slice names each member
// that was skipped and why. Members a user already confirmed as speakerID
// are no-op successes; members confirmed as someone else fail with
// [ErrConflict].
func (w *Workflow) ConfirmCluster(ctx context.Context, memberIDs []string, speakerID string) ([]MemberFailure, error) {
	if _, err := w.speakers.GetSpeaker(ctx, speakerID); err != nil {
		return nil, fmt.Errorf("correction: speaker %s: %w", speakerID, err)
	}

	var failures []MemberFailure
	for _, id := range memberIDs {
		if err := ctx.Err(); err != nil {
			return failures, err
		}
		if err := w.confirmMember(ctx, id, speakerID); err != nil {
			w.log.Warn("cluster member confirmation failed",
				"segment_id", id, "speaker_id", speakerID, "error", err)
			failures = append(failures, MemberFailure{SegmentID: id, Err: err})
		}
	}
	return failures, nil
}

func (w *Workflow) confirmMember(ctx context.Context, segmentID, speakerID string) error {
	seg, err := w.segments.GetSegment(ctx, segmentID)
	if err != nil {
		return fmt.Errorf("segment %s: %w", segmentID, err)
	}

	cur, err := w.segments.CurrentAssignment(ctx, segmentID)
	switch {
	case err == nil && cur.Source == diarize.SourceUser:
		if cur.SpeakerID == speakerID {
			return nil
		}
		// Bulk actions never override an explicit human decision.
		return ErrConflict
	case err != nil && !errors.Is(err, diarize.ErrNotFound):
		return fmt.Errorf("current assignment: %w", err)
	}

	if err := w.ensureEmbedding(ctx, seg); err != nil {
		return err
	}
	return w.assign(ctx, segmentID, speakerID, diarize.SourceUser, 1, "cluster")
}

// AutoLabel identifies every unassigned embedding of the run against
// confirmed voices and records automatic assignments for confident matches.
// Requires [WithIdentifier].
func (w *Workflow) AutoLabel(ctx context.Context, runID string) (AutoLabelStats, error) {
	if w.identifier == nil {
		return AutoLabelStats{}, errors.New("correction: auto-label requires an identifier")
	}

	recs, err := w.prints.QueryByRun(ctx, runID, true)
	if err != nil {
		return AutoLabelStats{}, fmt.Errorf("correction: query embeddings: %w", err)
	}

	var stats AutoLabelStats
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		match, err := w.identifier.Identify(ctx, rec.Vector, runID)
		if errors.Is(err, identify.ErrUnknownSpeaker) {
			stats.Unknown++
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("correction: identify %s: %w", rec.SegmentID, err)
		}
		if err := w.assign(ctx, rec.SegmentID, match.SpeakerID, diarize.SourceAuto, match.Confidence, "auto"); err != nil {
			return stats, err
		}
		stats.Labeled++
	}
	w.log.Info("auto-label finished", "run_id", runID,
		"labeled", stats.Labeled, "unknown", stats.Unknown)
	return stats, nil
}

// ensureEmbedding extracts and stores the segment's embedding if it has
// none. The embedding is keyed by the segment's own ID.
func (w *Workflow) ensureEmbedding(ctx context.Context, seg diarize.Segment) error {
	if seg.EmbeddingID != nil {
		return nil
	}

	run, err := w.segments.GetRun(ctx, seg.RunID)
	if err != nil {
		return fmt.Errorf("correction: run %s: %w", seg.RunID, err)
	}
	vec, err := w.extractor.Extract(ctx, run.MediaPath, seg.Start, seg.End)
	if err != nil {
		return fmt.Errorf("correction: extract %s: %w", seg.ID, err)
	}
	err = w.prints.Put(ctx, seg.ID, voiceprint.Embedding{
		SegmentID:    seg.ID,
		RunID:        seg.RunID,
		Vector:       vec,
		SpeakerLabel: seg.SpeakerLabel,
	})
	if err != nil {
		return fmt.Errorf("correction: store embedding %s: %w", seg.ID, err)
	}
	id := seg.ID
	if err := w.segments.SetEmbeddingID(ctx, seg.ID, &id); err != nil {
		return fmt.Errorf("correction: link embedding %s: %w", seg.ID, err)
	}
	return nil
}

// assign appends an assignment and mirrors the speaker onto the segment and
// its embedding. mode names the confirmation path for the metrics
// ("segment", "cluster" or "auto").
func (w *Workflow) assign(ctx context.Context, segmentID, speakerID string, source diarize.AssignmentSource, confidence float64, mode string) error {
	_, err := w.segments.AppendAssignment(ctx, diarize.Assignment{
		SegmentID:  segmentID,
		SpeakerID:  speakerID,
		Source:     source,
		Confidence: confidence,
	})
	if err != nil {
		return fmt.Errorf("correction: append assignment %s: %w", segmentID, err)
	}
	if err := w.segments.SetSpeakerID(ctx, segmentID, &speakerID); err != nil {
		return fmt.Errorf("correction: set speaker %s: %w", segmentID, err)
	}
	if _, err := w.prints.BulkSetSpeaker(ctx, []string{segmentID}, speakerID); err != nil {
		return fmt.Errorf("correction: mirror speaker %s: %w", segmentID, err)
	}
	w.metrics.RecordConfirmation(ctx, mode)
	return nil
}
