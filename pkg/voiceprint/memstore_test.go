package voiceprint_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

func strPtr(s string) *string { return &s }

func TestPutEnforcesSegmentKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("valid key accepted", func(t *testing.T) {
		t.Parallel()
		s := voiceprint.NewMemStore()
		rec := voiceprint.Embedding{SegmentID: "seg-1", RunID: "run-1", Vector: []float32{1, 0}}
		if err := s.Put(ctx, "seg-1", rec); err != nil {
			t.Fatalf("Put: unexpected error: %v", err)
		}
	})

	t.Run("mismatched key rejected", func(t *testing.T) {
		t.Parallel()
		s := voiceprint.NewMemStore()
		rec := voiceprint.Embedding{SegmentID: "freshly-generated-uuid", RunID: "run-1", Vector: []float32{1, 0}}
		err := s.Put(ctx, "seg-1", rec)
		if !errors.Is(err, voiceprint.ErrKeyMismatch) {
			t.Fatalf("Put: expected ErrKeyMismatch, got %v", err)
		}
		if _, err := s.Get(ctx, "seg-1"); !errors.Is(err, voiceprint.ErrNotFound) {
			t.Fatalf("Get after rejected Put: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("empty key rejected", func(t *testing.T) {
		t.Parallel()
		s := voiceprint.NewMemStore()
		err := s.Put(ctx, "", voiceprint.Embedding{Vector: []float32{1}})
		if !errors.Is(err, voiceprint.ErrKeyMismatch) {
			t.Fatalf("Put: expected ErrKeyMismatch, got %v", err)
		}
	})
}

func TestPutUpsertsSingleEmbeddingPerSegment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := voiceprint.NewMemStore()

	if err := s.Put(ctx, "seg-1", voiceprint.Embedding{SegmentID: "seg-1", RunID: "run-1", Vector: []float32{1, 0}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "seg-1", voiceprint.Embedding{SegmentID: "seg-1", RunID: "run-1", Vector: []float32{0, 1}}); err != nil {
		t.Fatalf("Put replace: %v", err)
	}

	all, err := s.QueryByRun(ctx, "run-1", false)
	if err != nil {
		t.Fatalf("QueryByRun: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("QueryByRun: expected 1 embedding after upsert, got %d", len(all))
	}
	if all[0].Vector[0] != 0 || all[0].Vector[1] != 1 {
		t.Fatalf("QueryByRun: expected replaced vector, got %v", all[0].Vector)
	}
}

func TestQueryByRunUnassignedOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := voiceprint.NewMemStore()

	recs := []voiceprint.Embedding{
		{SegmentID: "seg-1", RunID: "run-1", Vector: []float32{1}, SpeakerID: strPtr("alice")},
		{SegmentID: "seg-2", RunID: "run-1", Vector: []float32{2}},
		{SegmentID: "seg-3", RunID: "run-2", Vector: []float32{3}},
	}
	for _, r := range recs {
		if err := s.Put(ctx, r.SegmentID, r); err != nil {
			t.Fatalf("Put %s: %v", r.SegmentID, err)
		}
	}

	unassigned, err := s.QueryByRun(ctx, "run-1", true)
	if err != nil {
		t.Fatalf("QueryByRun: %v", err)
	}
	if len(unassigned) != 1 || unassigned[0].SegmentID != "seg-2" {
		t.Fatalf("QueryByRun: expected only seg-2, got %v", unassigned)
	}
}

func TestBulkSetSpeaker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := voiceprint.NewMemStore()

	for _, id := range []string{"seg-1", "seg-2"} {
		if err := s.Put(ctx, id, voiceprint.Embedding{SegmentID: id, RunID: "run-1", Vector: []float32{1}}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	// seg-missing has no stored embedding and must be skipped, not fail the batch.
	updated, err := s.BulkSetSpeaker(ctx, []string{"seg-1", "seg-missing", "seg-2"}, "alice")
	if err != nil {
		t.Fatalf("BulkSetSpeaker: %v", err)
	}
	if updated != 2 {
		t.Fatalf("BulkSetSpeaker: expected 2 updates, got %d", updated)
	}

	confirmed, err := s.ListConfirmed(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListConfirmed: %v", err)
	}
	if len(confirmed) != 2 {
		t.Fatalf("ListConfirmed: expected 2 confirmed embeddings, got %d", len(confirmed))
	}
	for _, rec := range confirmed {
		if rec.SpeakerID == nil || *rec.SpeakerID != "alice" {
			t.Fatalf("ListConfirmed: expected speaker alice on %s, got %v", rec.SegmentID, rec.SpeakerID)
		}
	}
}

func TestListConfirmedScoping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := voiceprint.NewMemStore()

	recs := []voiceprint.Embedding{
		{SegmentID: "seg-1", RunID: "run-1", Vector: []float32{1}, SpeakerID: strPtr("alice")},
		{SegmentID: "seg-2", RunID: "run-2", Vector: []float32{2}, SpeakerID: strPtr("bob")},
		{SegmentID: "seg-3", RunID: "run-2", Vector: []float32{3}},
	}
	for _, r := range recs {
		if err := s.Put(ctx, r.SegmentID, r); err != nil {
			t.Fatalf("Put %s: %v", r.SegmentID, err)
		}
	}

	scoped, err := s.ListConfirmed(ctx, "run-2")
	if err != nil {
		t.Fatalf("ListConfirmed scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].SegmentID != "seg-2" {
		t.Fatalf("ListConfirmed scoped: expected only seg-2, got %v", scoped)
	}

	global, err := s.ListConfirmed(ctx, "")
	if err != nil {
		t.Fatalf("ListConfirmed global: %v", err)
	}
	if len(global) != 2 {
		t.Fatalf("ListConfirmed global: expected 2, got %d", len(global))
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := voiceprint.NewMemStore()

	if err := s.Put(ctx, "seg-1", voiceprint.Embedding{SegmentID: "seg-1", RunID: "run-1", Vector: []float32{1}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "seg-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "seg-1"); !errors.Is(err, voiceprint.ErrNotFound) {
		t.Fatalf("Get after delete: expected ErrNotFound, got %v", err)
	}
	// Deleting an absent embedding is a no-op.
	if err := s.Delete(ctx, "seg-1"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}
