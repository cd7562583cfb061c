package diarize

import "context"

// SegmentFilter narrows a [SegmentStore.ListSegments] call. The zero value
// matches every segment of the run.
type SegmentFilter struct {
	// MissingEmbedding restricts results to segments whose EmbeddingID is
	// unset.
	MissingEmbedding bool

	// SpeakerAssigned filters on whether SpeakerID is set. Nil disables the
	// filter.
	SpeakerAssigned *bool
}

// SegmentStore is the document-store contract for runs, segments, and the
// assignment history. Run and segment IDs are opaque strings generated
// upstream; the store never invents them.
//
// Writes are atomic per row only. Callers must tolerate transient
// cross-store inconsistency with the voiceprint store; the reconciliation
// job recovers it through the embedding-key invariant.
type SegmentStore interface {
	// CreateRun stores a new run. Returns ErrDuplicateID if the run ID
	// already exists.
	CreateRun(ctx context.Context, run Run) error

	// GetRun returns the run with the given ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (Run, error)

	// CreateSegment stores a new segment. Returns ErrDuplicateID if the
	// segment ID already exists.
	CreateSegment(ctx context.Context, seg Segment) error

	// GetSegment returns the segment with the given ID, or ErrNotFound.
	GetSegment(ctx context.Context, id string) (Segment, error)

	// ListSegments returns the segments of a run matching the filter,
	// ordered by start time ascending, ID as tie-break.
	ListSegments(ctx context.Context, runID string, f SegmentFilter) ([]Segment, error)

	// SetEmbeddingID updates the segment's embedding pointer. Passing nil
	// clears it.
	SetEmbeddingID(ctx context.Context, segmentID string, embeddingID *string) error

	// SetSpeakerID updates the segment's confirmed speaker identity.
	// Passing nil clears it. SpeakerLabel is never touched.
	SetSpeakerID(ctx context.Context, segmentID string, speakerID *string) error

	// AppendAssignment appends one row to the assignment history and
	// returns it with ID and CreatedAt populated. Existing rows are never
	// modified.
	AppendAssignment(ctx context.Context, a Assignment) (Assignment, error)

	// CurrentAssignment returns the latest assignment row for a segment,
	// or ErrNotFound when the segment has no history.
	CurrentAssignment(ctx context.Context, segmentID string) (Assignment, error)

	// ListAssignments returns the full assignment history for a segment,
	// oldest first.
	ListAssignments(ctx context.Context, segmentID string) ([]Assignment, error)
}

// SpeakerStore is the persistence contract for the speaker identity
// directory. Name-similarity policy lives above this interface.
type SpeakerStore interface {
	// CreateSpeaker stores a new speaker identity. Returns ErrDuplicateID
	// if the ID already exists.
	CreateSpeaker(ctx context.Context, sp Speaker) error

	// GetSpeaker returns the speaker with the given ID, or ErrNotFound.
	GetSpeaker(ctx context.Context, id string) (Speaker, error)

	// ListSpeakers returns every registered speaker, ordered by name.
	ListSpeakers(ctx context.Context) ([]Speaker, error)
}
