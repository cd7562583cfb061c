package diarize

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertions that MemStore satisfies the store interfaces.
var (
	_ SegmentStore = (*MemStore)(nil)
	_ SpeakerStore = (*MemStore)(nil)
)

// MemStore is a thread-safe, in-memory implementation of [SegmentStore].
// It is suitable for tests and small one-shot jobs.
type MemStore struct {
	mu          sync.RWMutex
	runs        map[string]Run
	segments    map[string]Segment
	assignments map[string][]Assignment // segment ID → history, oldest first
	speakers    map[string]Speaker
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		runs:        make(map[string]Run),
		segments:    make(map[string]Segment),
		assignments: make(map[string][]Assignment),
		speakers:    make(map[string]Speaker),
	}
}

// CreateRun implements [SegmentStore.CreateRun].
func (s *MemStore) CreateRun(ctx context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return ErrDuplicateID
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	s.runs[run.ID] = run
	return nil
}

// GetRun implements [SegmentStore.GetRun].
func (s *MemStore) GetRun(ctx context.Context, id string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return r, nil
}

// CreateSegment implements [SegmentStore.CreateSegment].
func (s *MemStore) CreateSegment(ctx context.Context, seg Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.segments[seg.ID]; exists {
		return ErrDuplicateID
	}
	s.segments[seg.ID] = seg
	return nil
}

// GetSegment implements [SegmentStore.GetSegment].
func (s *MemStore) GetSegment(ctx context.Context, id string) (Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segments[id]
	if !ok {
		return Segment{}, ErrNotFound
	}
	return seg, nil
}

// ListSegments implements [SegmentStore.ListSegments].
func (s *MemStore) ListSegments(ctx context.Context, runID string, f SegmentFilter) ([]Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Segment, 0)
	for _, seg := range s.segments {
		if seg.RunID != runID {
			continue
		}
		if f.MissingEmbedding && seg.EmbeddingID != nil {
			continue
		}
		if f.SpeakerAssigned != nil && *f.SpeakerAssigned != (seg.SpeakerID != nil) {
			continue
		}
		result = append(result, seg)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Start != result[j].Start {
			return result[i].Start < result[j].Start
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// SetEmbeddingID implements [SegmentStore.SetEmbeddingID].
func (s *MemStore) SetEmbeddingID(ctx context.Context, segmentID string, embeddingID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[segmentID]
	if !ok {
		return ErrNotFound
	}
	seg.EmbeddingID = cloneStringPtr(embeddingID)
	s.segments[segmentID] = seg
	return nil
}

// SetSpeakerID implements [SegmentStore.SetSpeakerID].
func (s *MemStore) SetSpeakerID(ctx context.Context, segmentID string, speakerID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[segmentID]
	if !ok {
		return ErrNotFound
	}
	seg.SpeakerID = cloneStringPtr(speakerID)
	s.segments[segmentID] = seg
	return nil
}

// AppendAssignment implements [SegmentStore.AppendAssignment].
func (s *MemStore) AppendAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.segments[a.SegmentID]; !ok {
		return Assignment{}, ErrNotFound
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.assignments[a.SegmentID] = append(s.assignments[a.SegmentID], a)
	return a, nil
}

// CurrentAssignment implements [SegmentStore.CurrentAssignment].
func (s *MemStore) CurrentAssignment(ctx context.Context, segmentID string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.assignments[segmentID]
	if len(history) == 0 {
		return Assignment{}, ErrNotFound
	}
	return history[len(history)-1], nil
}

// ListAssignments implements [SegmentStore.ListAssignments].
func (s *MemStore) ListAssignments(ctx context.Context, segmentID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.assignments[segmentID]
	out := make([]Assignment, len(history))
	copy(out, history)
	return out, nil
}

// CreateSpeaker implements [SpeakerStore.CreateSpeaker].
func (s *MemStore) CreateSpeaker(ctx context.Context, sp Speaker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.speakers[sp.ID]; exists {
		return ErrDuplicateID
	}
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now()
	}
	s.speakers[sp.ID] = sp
	return nil
}

// GetSpeaker implements [SpeakerStore.GetSpeaker].
func (s *MemStore) GetSpeaker(ctx context.Context, id string) (Speaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.speakers[id]
	if !ok {
		return Speaker{}, ErrNotFound
	}
	return sp, nil
}

// ListSpeakers implements [SpeakerStore.ListSpeakers].
func (s *MemStore) ListSpeakers(ctx context.Context) ([]Speaker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Speaker, 0, len(s.speakers))
	for _, sp := range s.speakers {
		result = append(result, sp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
