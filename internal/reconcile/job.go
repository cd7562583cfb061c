// Package reconcile backfills and repairs the voiceprint store for a run.
//
// The job exists because the segment store and the embedding store can
// drift: batch ingests may skip extraction, crashes can leave segments
// without embeddings, and legacy data stored embeddings under generated IDs
// instead of their segment IDs. Reconciliation walks a run's segments and
// restores the invariant that every segment's embedding is stored under the
// segment's own ID, with the segment's speaker mirrored onto it.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/vocalid/internal/observe"
	"github.com/MrWong99/vocalid/pkg/diarize"
	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

// ErrPartialFailure is returned when the per-segment failure rate exceeds
// [Options.MaxFailureRate]. The returned [Report] is still complete.
var ErrPartialFailure = errors.New("reconcile: failure rate exceeded")

// Extractor produces a voiceprint embedding for a span of a media file.
// *voiceprint.Extractor satisfies it.
type Extractor interface {
	Extract(ctx context.Context, storedPath string, start, end float64) ([]float32, error)
}

// Options controls a reconciliation pass.
type Options struct {
	// Limit caps the number of segments examined. Zero means no cap.
	Limit int

	// OnlyAssigned restricts the pass to segments with a speaker
	// assignment. Confirmed data is what identification feeds on, so it is
	// the natural priority when media access is expensive.
	OnlyAssigned bool

	// Repair enables fixing embeddings stored under the wrong key. Without
	// it, mismatches are only counted.
	Repair bool

	// DryRun reports what a pass would do without writing anything.
	DryRun bool

	// MaxFailureRate is the tolerated fraction of failed segments before
	// the job returns [ErrPartialFailure]. Zero means the default of 0.5.
	MaxFailureRate float64
}

// Failure records why one segment could not be reconciled.
type Failure struct {
	SegmentID string
	Err       error
}

// Report summarises a reconciliation pass.
type Report struct {
	// Processed counts segments examined.
	Processed int

	// Extracted counts embeddings created (or, in a dry run, that would
	// have been created).
	Extracted int

	// Repaired counts embeddings re-keyed or re-mirrored (or that would
	// have been, in a dry run).
	Repaired int

	// Skipped counts segments that were already consistent.
	Skipped int

	// Failed counts segments that could not be reconciled; Failures has
	// the detail.
	Failed   int
	Failures []Failure
}

// Job reconciles segment metadata with the voiceprint store.
type Job struct {
	segments  diarize.SegmentStore
	prints    voiceprint.Store
	extractor Extractor
	metrics   *observe.Metrics
	log       *slog.Logger
}

// Option is a functional option for configuring a [Job].
type Option func(*Job)

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(j *Job) {
		j.metrics = m
	}
}

// New returns a [Job].
func New(segments diarize.SegmentStore, prints voiceprint.Store, extractor Extractor, log *slog.Logger, opts ...Option) *Job {
	if log == nil {
		log = slog.Default()
	}
	j := &Job{segments: segments, prints: prints, extractor: extractor, metrics: observe.DefaultMetrics(), log: log}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Run reconciles one diarization run and returns a [Report]. Per-segment
// failures never abort the pass; the job keeps going and accounts for them.
// [ErrPartialFailure] is returned alongside the report when too many
// segments fail.
func (j *Job) Run(ctx context.Context, runID string, opts Options) (Report, error) {
	if opts.MaxFailureRate <= 0 {
		opts.MaxFailureRate = 0.5
	}

	run, err := j.segments.GetRun(ctx, runID)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: run %s: %w", runID, err)
	}

	filter := diarize.SegmentFilter{}
	if opts.OnlyAssigned {
		assigned := true
		filter.SpeakerAssigned = &assigned
	}
	segs, err := j.segments.ListSegments(ctx, runID, filter)
	if err != nil {
		return Report{}, fmt.Errorf("reconcile: list segments: %w", err)
	}
	if opts.Limit > 0 && len(segs) > opts.Limit {
		segs = segs[:opts.Limit]
	}

	began := time.Now()
	defer func() {
		j.metrics.RecordReconcilePass(ctx, time.Since(began).Seconds())
	}()

	var report Report
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++

		action, err := j.reconcileSegment(ctx, run, seg, opts)
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, Failure{SegmentID: seg.ID, Err: err})
			j.metrics.RecordReconcileSegment(ctx, "failed")
			j.log.Warn("segment reconciliation failed", "run_id", runID, "segment_id", seg.ID, "error", err)
			continue
		}
		switch action {
		case actionExtracted:
			report.Extracted++
			j.metrics.RecordReconcileSegment(ctx, "extracted")
		case actionRepaired:
			report.Repaired++
			j.metrics.RecordReconcileSegment(ctx, "repaired")
		default:
			report.Skipped++
			j.metrics.RecordReconcileSegment(ctx, "skipped")
		}
	}

	j.log.Info("reconciliation finished", "run_id", runID, "dry_run", opts.DryRun,
		"processed", report.Processed, "extracted", report.Extracted,
		"repaired", report.Repaired, "skipped", report.Skipped, "failed", report.Failed)

	if report.Failed > 0 && float64(report.Failed)/float64(report.Processed) > opts.MaxFailureRate {
		return report, ErrPartialFailure
	}
	return report, nil
}

type action int

const (
	actionNone action = iota
	actionExtracted
	actionRepaired
)

// reconcileSegment brings one segment back to the invariant. Exactly one of
// three paths applies: extract a missing embedding, re-key a mismatched one,
// or mirror a missing speaker.
func (j *Job) reconcileSegment(ctx context.Context, run diarize.Run, seg diarize.Segment, opts Options) (action, error) {
	switch {
	case seg.EmbeddingID == nil:
		return actionExtracted, j.extract(ctx, run, seg, opts)

	case *seg.EmbeddingID != seg.ID:
		if !opts.Repair {
			return actionNone, fmt.Errorf("embedding stored under foreign key %s (repair disabled)", *seg.EmbeddingID)
		}
		return actionRepaired, j.rekey(ctx, seg, opts)
	}

	rec, err := j.prints.Get(ctx, seg.ID)
	if errors.Is(err, voiceprint.ErrNotFound) {
		// Dangling reference: the segment points at an embedding that does
		// not exist. Extract afresh.
		return actionExtracted, j.extract(ctx, run, seg, opts)
	}
	if err != nil {
		return actionNone, fmt.Errorf("load embedding: %w", err)
	}

	if seg.SpeakerID != nil && (rec.SpeakerID == nil || *rec.SpeakerID != *seg.SpeakerID) {
		if opts.DryRun {
			return actionRepaired, nil
		}
		if _, err := j.prints.BulkSetSpeaker(ctx, []string{seg.ID}, *seg.SpeakerID); err != nil {
			return actionNone, fmt.Errorf("mirror speaker: %w", err)
		}
		return actionRepaired, nil
	}
	return actionNone, nil
}

func (j *Job) extract(ctx context.Context, run diarize.Run, seg diarize.Segment, opts Options) error {
	if opts.DryRun {
		return nil
	}
	vec, err := j.extractor.Extract(ctx, run.MediaPath, seg.Start, seg.End)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	rec := voiceprint.Embedding{
		SegmentID:    seg.ID,
		RunID:        seg.RunID,
		Vector:       vec,
		SpeakerID:    seg.SpeakerID,
		SpeakerLabel: seg.SpeakerLabel,
	}
	if err := j.prints.Put(ctx, seg.ID, rec); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	id := seg.ID
	if err := j.segments.SetEmbeddingID(ctx, seg.ID, &id); err != nil {
		return fmt.Errorf("link embedding: %w", err)
	}
	return nil
}

// rekey moves an embedding stored under a foreign key to the segment's own
// ID. The copy is written before the orphan is deleted so an interrupted
// repair can only leave a duplicate, never a loss.
func (j *Job) rekey(ctx context.Context, seg diarize.Segment, opts Options) error {
	oldID := *seg.EmbeddingID
	rec, err := j.prints.Get(ctx, oldID)
	if err != nil {
		return fmt.Errorf("load mismatched embedding %s: %w", oldID, err)
	}
	if opts.DryRun {
		return nil
	}

	rec.SegmentID = seg.ID
	if seg.SpeakerID != nil {
		rec.SpeakerID = seg.SpeakerID
	}
	if err := j.prints.Put(ctx, seg.ID, rec); err != nil {
		return fmt.Errorf("rewrite embedding: %w", err)
	}
	if err := j.prints.Delete(ctx, oldID); err != nil {
		return fmt.Errorf("delete orphan %s: %w", oldID, err)
	}
	id := seg.ID
	if err := j.segments.SetEmbeddingID(ctx, seg.ID, &id); err != nil {
		return fmt.Errorf("relink embedding: %w", err)
	}
	return nil
}
