// Package diarize defines the diarization data model shared by the vocalid
// identity-resolution pipeline: runs, time-bounded speaker segments, and the
// append-only speaker assignment history.
//
// Runs and segments are created upstream by the diarization pass; vocalid
// never mints a segment ID. The [SegmentStore] interface is public so that
// external packages can supply alternative storage backends (Postgres,
// in-memory, …) without depending on vocalid internals.
//
// Every implementation must be safe for concurrent use.
package diarize

import (
	"errors"
	"time"
)

// Sentinel errors returned by [SegmentStore] implementations.
var (
	// ErrNotFound is returned when the requested run, segment, or
	// assignment does not exist.
	ErrNotFound = errors.New("diarize: not found")

	// ErrDuplicateID is returned when creating a run or segment whose ID
	// already exists.
	ErrDuplicateID = errors.New("diarize: duplicate id")
)

// Workflow identifies the ingestion workflow that produced a run.
type Workflow string

const (
	// WorkflowBatch marks runs produced by the offline batch pipeline.
	WorkflowBatch Workflow = "batch"

	// WorkflowUpload marks runs produced from a direct user upload.
	WorkflowUpload Workflow = "upload"
)

// IsValid reports whether w is a recognised workflow kind.
func (w Workflow) IsValid() bool {
	return w == WorkflowBatch || w == WorkflowUpload
}

// AssignmentSource records who asserted a speaker assignment.
type AssignmentSource string

const (
	// SourceAuto marks assignments proposed by the identifier.
	SourceAuto AssignmentSource = "auto"

	// SourceUser marks assignments confirmed by a human. User assignments
	// are authoritative over automated proposals.
	SourceUser AssignmentSource = "user"
)

// Run is a single diarization run over one source media file.
type Run struct {
	// ID is the opaque run identifier generated upstream.
	ID string

	// Workflow is the ingestion workflow that produced this run.
	Workflow Workflow

	// MediaPath is the stored reference to the source audio as recorded by
	// the producing host. It may not be directly readable in the current
	// execution environment; resolve it through mediapath before use.
	MediaPath string

	// CreatedAt is when the run was recorded.
	CreatedAt time.Time
}

// Segment is a contiguous audio span attributed to one speaker turn.
//
// Segment.ID is the canonical key for everything derived from the segment:
// the voiceprint embedding extracted from it is stored under exactly this ID.
type Segment struct {
	// ID is the opaque segment identifier generated upstream.
	ID string

	// RunID is the run this segment belongs to.
	RunID string

	// Start and End bound the segment within the source audio, in seconds.
	Start float64
	End   float64

	// SpeakerLabel is the raw diarizer output label (e.g. "SPEAKER_01").
	// It is immutable and never overwritten by identification.
	SpeakerLabel string

	// SpeakerID is the confirmed speaker identity. Nil until identification
	// confidence clears the configured threshold or a human confirms.
	SpeakerID *string

	// EmbeddingID points at the voiceprint embedding extracted for this
	// segment. Nil until an embedding exists. When set it must equal ID;
	// the reconciliation job repairs any divergence.
	EmbeddingID *string
}

// Speaker is a persistent speaker identity that segments are linked to.
type Speaker struct {
	// ID is the speaker identifier (a UUID minted on creation).
	ID string

	// Name is the canonical display name.
	Name string

	// Aliases are alternative spellings seen in the wild; used by the
	// identity directory for duplicate detection.
	Aliases []string

	// CreatedAt is when the identity was registered.
	CreatedAt time.Time
}

// Assignment is one row of the append-only speaker assignment history.
// The current assignment of a segment is the latest row; history is never
// rewritten.
type Assignment struct {
	// ID is the assignment row identifier (a UUID minted on append).
	ID string

	// SegmentID is the segment this assignment applies to.
	SegmentID string

	// SpeakerID is the asserted speaker identity.
	SpeakerID string

	// Source records whether the assignment was proposed automatically or
	// confirmed by a human.
	Source AssignmentSource

	// Confidence is the identifier's similarity score for auto assignments,
	// and 1 for user confirmations.
	Confidence float64

	// CreatedAt is when the row was appended.
	CreatedAt time.Time
}
