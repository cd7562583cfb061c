package voiceprint

import "context"

// Store is the vector store contract for voiceprint embeddings, backed by
// any similarity-indexed store. Every implementation must be safe for
// concurrent use.
type Store interface {
	// Put upserts the embedding stored under segmentID. segmentID must be
	// the owning segment's ID and must equal rec.SegmentID; anything else
	// returns ErrKeyMismatch without writing. Implementations must bump
	// rec.UpdatedAt.
	Put(ctx context.Context, segmentID string, rec Embedding) error

	// Get returns the embedding for a segment, or ErrNotFound.
	Get(ctx context.Context, segmentID string) (Embedding, error)

	// QueryByRun returns the run's embeddings. When onlyUnassigned is true,
	// only embeddings with no speaker identity are returned — the clustering
	// input set. Ordered by segment ID for deterministic iteration.
	QueryByRun(ctx context.Context, runID string, onlyUnassigned bool) ([]Embedding, error)

	// ListConfirmed returns embeddings with a confirmed speaker identity:
	// the identification candidate set. An empty runID selects globally.
	// Ordered by UpdatedAt descending (most recently confirmed first).
	ListConfirmed(ctx context.Context, runID string) ([]Embedding, error)

	// BulkSetSpeaker sets the mirrored speaker identity on each listed
	// embedding. Atomic per ID, not across the batch; IDs with no stored
	// embedding are skipped. Returns the number of embeddings updated.
	BulkSetSpeaker(ctx context.Context, segmentIDs []string, speakerID string) (int, error)

	// Delete removes the embedding stored under segmentID, if any. Used by
	// reconciliation to discard orphans left by key-mismatch repair.
	Delete(ctx context.Context, segmentID string) error
}

// validateKey enforces the segment-id invariant shared by all Store
// implementations.
func validateKey(segmentID string, rec Embedding) error {
	if segmentID == "" || rec.SegmentID != segmentID {
		return ErrKeyMismatch
	}
	return nil
}
