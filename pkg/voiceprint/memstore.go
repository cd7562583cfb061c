package voiceprint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is
// suitable for tests and small one-shot jobs.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]Embedding
	lastTS  time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]Embedding),
	}
}

// tick returns a strictly increasing timestamp so that UpdatedAt ordering is
// unambiguous even for back-to-back writes. Callers must hold mu.
func (s *MemStore) tick() time.Time {
	t := time.Now()
	if !t.After(s.lastTS) {
		t = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = t
	return t
}

// Put implements [Store.Put].
func (s *MemStore) Put(ctx context.Context, segmentID string, rec Embedding) error {
	if err := validateKey(segmentID, rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Vector = append([]float32(nil), rec.Vector...)
	rec.UpdatedAt = s.tick()
	s.records[segmentID] = rec
	return nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, segmentID string) (Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[segmentID]
	if !ok {
		return Embedding{}, ErrNotFound
	}
	return cloneEmbedding(rec), nil
}

// QueryByRun implements [Store.QueryByRun].
func (s *MemStore) QueryByRun(ctx context.Context, runID string, onlyUnassigned bool) ([]Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Embedding, 0)
	for _, rec := range s.records {
		if rec.RunID != runID {
			continue
		}
		if onlyUnassigned && rec.SpeakerID != nil {
			continue
		}
		result = append(result, cloneEmbedding(rec))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SegmentID < result[j].SegmentID })
	return result, nil
}

// ListConfirmed implements [Store.ListConfirmed].
func (s *MemStore) ListConfirmed(ctx context.Context, runID string) ([]Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Embedding, 0)
	for _, rec := range s.records {
		if rec.SpeakerID == nil {
			continue
		}
		if runID != "" && rec.RunID != runID {
			continue
		}
		result = append(result, cloneEmbedding(rec))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].SegmentID < result[j].SegmentID
	})
	return result, nil
}

// BulkSetSpeaker implements [Store.BulkSetSpeaker].
func (s *MemStore) BulkSetSpeaker(ctx context.Context, segmentIDs []string, speakerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0
	for _, id := range segmentIDs {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		sp := speakerID
		rec.SpeakerID = &sp
		rec.UpdatedAt = s.tick()
		s.records[id] = rec
		updated++
	}
	return updated, nil
}

// Delete implements [Store.Delete].
func (s *MemStore) Delete(ctx context.Context, segmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, segmentID)
	return nil
}

func cloneEmbedding(rec Embedding) Embedding {
	rec.Vector = append([]float32(nil), rec.Vector...)
	if rec.SpeakerID != nil {
		sp := *rec.SpeakerID
		rec.SpeakerID = &sp
	}
	return rec
}
