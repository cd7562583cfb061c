// Package postgres provides a PostgreSQL-backed implementation of the
// diarize store contracts ([diarize.SegmentStore] and [diarize.SpeakerStore]).
//
// All tables share a single [pgxpool.Pool]. [Migrate] is idempotent
// (CREATE TABLE IF NOT EXISTS) and safe to call on every application start.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vocalid/pkg/diarize"
)

// Compile-time interface checks.
var (
	_ diarize.SegmentStore = (*Store)(nil)
	_ diarize.SpeakerStore = (*Store)(nil)
)

const ddl = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT         PRIMARY KEY,
    workflow    TEXT         NOT NULL,
    media_path  TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS segments (
    id            TEXT              PRIMARY KEY,
    run_id        TEXT              NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    start_time    DOUBLE PRECISION  NOT NULL,
    end_time      DOUBLE PRECISION  NOT NULL,
    speaker_label TEXT              NOT NULL,
    speaker_id    TEXT,
    embedding_id  TEXT
);

CREATE INDEX IF NOT EXISTS idx_segments_run_id
    ON segments (run_id);

CREATE INDEX IF NOT EXISTS idx_segments_run_start
    ON segments (run_id, start_time);

CREATE TABLE IF NOT EXISTS assignments (
    id          TEXT         PRIMARY KEY,
    segment_id  TEXT         NOT NULL REFERENCES segments (id) ON DELETE CASCADE,
    speaker_id  TEXT         NOT NULL,
    source      TEXT         NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    seq         BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_assignments_segment_seq
    ON assignments (segment_id, seq);

CREATE TABLE IF NOT EXISTS speakers (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    aliases     TEXT[]       NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_speakers_name ON speakers (name);
`

// Migrate creates or ensures all diarize tables exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("diarize postgres: migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL-backed segment/speaker store. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store on an existing pool and runs [Migrate].
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := Migrate(ctx, pool); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// isUniqueViolation reports whether err is a PostgreSQL duplicate-key error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateRun implements [diarize.SegmentStore.CreateRun].
func (s *Store) CreateRun(ctx context.Context, run diarize.Run) error {
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow, media_path, created_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.Workflow), run.MediaPath, createdAt,
	)
	if isUniqueViolation(err) {
		return diarize.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("diarize postgres: create run: %w", err)
	}
	return nil
}

// GetRun implements [diarize.SegmentStore.GetRun].
func (s *Store) GetRun(ctx context.Context, id string) (diarize.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, workflow, media_path, created_at FROM runs WHERE id = $1`, id)

	var r diarize.Run
	var workflow string
	if err := row.Scan(&r.ID, &workflow, &r.MediaPath, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return diarize.Run{}, diarize.ErrNotFound
		}
		return diarize.Run{}, fmt.Errorf("diarize postgres: get run: %w", err)
	}
	r.Workflow = diarize.Workflow(workflow)
	return r, nil
}

// CreateSegment implements [diarize.SegmentStore.CreateSegment].
func (s *Store) CreateSegment(ctx context.Context, seg diarize.Segment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO segments (id, run_id, start_time, end_time, speaker_label, speaker_id, embedding_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		seg.ID, seg.RunID, seg.Start, seg.End, seg.SpeakerLabel, seg.SpeakerID, seg.EmbeddingID,
	)
	if isUniqueViolation(err) {
		return diarize.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("diarize postgres: create segment: %w", err)
	}
	return nil
}

func scanSegment(row pgx.CollectableRow) (diarize.Segment, error) {
	var seg diarize.Segment
	err := row.Scan(&seg.ID, &seg.RunID, &seg.Start, &seg.End, &seg.SpeakerLabel, &seg.SpeakerID, &seg.EmbeddingID)
	return seg, err
}

const segmentColumns = `id, run_id, start_time, end_time, speaker_label, speaker_id, embedding_id`

// GetSegment implements [diarize.SegmentStore.GetSegment].
func (s *Store) GetSegment(ctx context.Context, id string) (diarize.Segment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE id = $1`, id)
	if err != nil {
		return diarize.Segment{}, fmt.Errorf("diarize postgres: get segment: %w", err)
	}
	seg, err := pgx.CollectOneRow(rows, scanSegment)
	if errors.Is(err, pgx.ErrNoRows) {
		return diarize.Segment{}, diarize.ErrNotFound
	}
	if err != nil {
		return diarize.Segment{}, fmt.Errorf("diarize postgres: get segment: %w", err)
	}
	return seg, nil
}

// ListSegments implements [diarize.SegmentStore.ListSegments].
func (s *Store) ListSegments(ctx context.Context, runID string, f diarize.SegmentFilter) ([]diarize.Segment, error) {
	q := `SELECT ` + segmentColumns + ` FROM segments WHERE run_id = $1`
	if f.MissingEmbedding {
		q += ` AND embedding_id IS NULL`
	}
	if f.SpeakerAssigned != nil {
		if *f.SpeakerAssigned {
			q += ` AND speaker_id IS NOT NULL`
		} else {
			q += ` AND speaker_id IS NULL`
		}
	}
	q += ` ORDER BY start_time, id`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("diarize postgres: list segments: %w", err)
	}
	segs, err := pgx.CollectRows(rows, scanSegment)
	if err != nil {
		return nil, fmt.Errorf("diarize postgres: scan segments: %w", err)
	}
	return segs, nil
}

// SetEmbeddingID implements [diarize.SegmentStore.SetEmbeddingID].
func (s *Store) SetEmbeddingID(ctx context.Context, segmentID string, embeddingID *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE segments SET embedding_id = $2 WHERE id = $1`, segmentID, embeddingID)
	if err != nil {
		return fmt.Errorf("diarize postgres: set embedding id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return diarize.ErrNotFound
	}
	return nil
}

// SetSpeakerID implements [diarize.SegmentStore.SetSpeakerID].
func (s *Store) SetSpeakerID(ctx context.Context, segmentID string, speakerID *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE segments SET speaker_id = $2 WHERE id = $1`, segmentID, speakerID)
	if err != nil {
		return fmt.Errorf("diarize postgres: set speaker id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return diarize.ErrNotFound
	}
	return nil
}

// AppendAssignment implements [diarize.SegmentStore.AppendAssignment].
func (s *Store) AppendAssignment(ctx context.Context, a diarize.Assignment) (diarize.Assignment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assignments (id, segment_id, speaker_id, source, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.SegmentID, a.SpeakerID, string(a.Source), a.Confidence, a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign key: unknown segment
			return diarize.Assignment{}, diarize.ErrNotFound
		}
		return diarize.Assignment{}, fmt.Errorf("diarize postgres: append assignment: %w", err)
	}
	return a, nil
}

func scanAssignment(row pgx.CollectableRow) (diarize.Assignment, error) {
	var a diarize.Assignment
	var source string
	err := row.Scan(&a.ID, &a.SegmentID, &a.SpeakerID, &source, &a.Confidence, &a.CreatedAt)
	a.Source = diarize.AssignmentSource(source)
	return a, err
}

// CurrentAssignment implements [diarize.SegmentStore.CurrentAssignment].
func (s *Store) CurrentAssignment(ctx context.Context, segmentID string) (diarize.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, segment_id, speaker_id, source, confidence, created_at
		 FROM assignments WHERE segment_id = $1 ORDER BY seq DESC LIMIT 1`, segmentID)
	if err != nil {
		return diarize.Assignment{}, fmt.Errorf("diarize postgres: current assignment: %w", err)
	}
	a, err := pgx.CollectOneRow(rows, scanAssignment)
	if errors.Is(err, pgx.ErrNoRows) {
		return diarize.Assignment{}, diarize.ErrNotFound
	}
	if err != nil {
		return diarize.Assignment{}, fmt.Errorf("diarize postgres: current assignment: %w", err)
	}
	return a, nil
}

// ListAssignments implements [diarize.SegmentStore.ListAssignments].
func (s *Store) ListAssignments(ctx context.Context, segmentID string) ([]diarize.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, segment_id, speaker_id, source, confidence, created_at
		 FROM assignments WHERE segment_id = $1 ORDER BY seq`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("diarize postgres: list assignments: %w", err)
	}
	history, err := pgx.CollectRows(rows, scanAssignment)
	if err != nil {
		return nil, fmt.Errorf("diarize postgres: scan assignments: %w", err)
	}
	return history, nil
}

// CreateSpeaker implements [diarize.SpeakerStore.CreateSpeaker].
func (s *Store) CreateSpeaker(ctx context.Context, sp diarize.Speaker) error {
	createdAt := sp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO speakers (id, name, aliases, created_at) VALUES ($1, $2, $3, $4)`,
		sp.ID, sp.Name, sp.Aliases, createdAt,
	)
	if isUniqueViolation(err) {
		return diarize.ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("diarize postgres: create speaker: %w", err)
	}
	return nil
}

// GetSpeaker implements [diarize.SpeakerStore.GetSpeaker].
func (s *Store) GetSpeaker(ctx context.Context, id string) (diarize.Speaker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, aliases, created_at FROM speakers WHERE id = $1`, id)

	var sp diarize.Speaker
	if err := row.Scan(&sp.ID, &sp.Name, &sp.Aliases, &sp.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return diarize.Speaker{}, diarize.ErrNotFound
		}
		return diarize.Speaker{}, fmt.Errorf("diarize postgres: get speaker: %w", err)
	}
	return sp, nil
}

// ListSpeakers implements [diarize.SpeakerStore.ListSpeakers].
func (s *Store) ListSpeakers(ctx context.Context) ([]diarize.Speaker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, aliases, created_at FROM speakers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("diarize postgres: list speakers: %w", err)
	}
	speakers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (diarize.Speaker, error) {
		var sp diarize.Speaker
		err := row.Scan(&sp.ID, &sp.Name, &sp.Aliases, &sp.CreatedAt)
		return sp, err
	})
	if err != nil {
		return nil, fmt.Errorf("diarize postgres: scan speakers: %w", err)
	}
	return speakers, nil
}
