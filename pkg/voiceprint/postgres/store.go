// Package postgres provides a PostgreSQL/pgvector-backed implementation of
// [voiceprint.Store].
//
// Embeddings live in a single table keyed by the owning segment's ID, with a
// pgvector HNSW index for cosine queries. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS and is safe to call on every start.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/vocalid/pkg/voiceprint"
)

// Compile-time interface check.
var _ voiceprint.Store = (*Store)(nil)

// ddl returns the voiceprints DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddl(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voiceprints (
    segment_id    TEXT         PRIMARY KEY,
    run_id        TEXT         NOT NULL,
    embedding     vector(%d)   NOT NULL,
    speaker_id    TEXT,
    speaker_label TEXT         NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voiceprints_run_id
    ON voiceprints (run_id);

CREATE INDEX IF NOT EXISTS idx_voiceprints_run_speaker
    ON voiceprints (run_id, speaker_id);

CREATE INDEX IF NOT EXISTS idx_voiceprints_embedding
    ON voiceprints USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the voiceprints table and indexes exist.
//
// embeddingDimensions must match the output dimension of the embedding model.
// Changing this value after the first migration requires a manual schema
// update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddl(embeddingDimensions)); err != nil {
		return fmt.Errorf("voiceprint postgres: migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL/pgvector-backed voiceprint store. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store on an existing pool and runs [Migrate].
func NewStore(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) (*Store, error) {
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewPool creates a [pgxpool.Pool] for dsn with pgvector types registered on
// every connection, pinging the database before returning. Shared by the
// diarize and voiceprint stores.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("voiceprint postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("voiceprint postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voiceprint postgres: ping: %w", err)
	}
	return pool, nil
}

// Put implements [voiceprint.Store.Put]. The key invariant is validated
// before any SQL runs; a mismatched key never reaches the database.
func (s *Store) Put(ctx context.Context, segmentID string, rec voiceprint.Embedding) error {
	if segmentID == "" || rec.SegmentID != segmentID {
		return voiceprint.ErrKeyMismatch
	}

	const q = `
		INSERT INTO voiceprints
		    (segment_id, run_id, embedding, speaker_id, speaker_label, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (segment_id) DO UPDATE SET
		    run_id        = EXCLUDED.run_id,
		    embedding     = EXCLUDED.embedding,
		    speaker_id    = EXCLUDED.speaker_id,
		    speaker_label = EXCLUDED.speaker_label,
		    updated_at    = now()`

	vec := pgvector.NewVector(rec.Vector)
	_, err := s.pool.Exec(ctx, q, rec.SegmentID, rec.RunID, vec, rec.SpeakerID, rec.SpeakerLabel)
	if err != nil {
		return fmt.Errorf("voiceprint postgres: put: %w", err)
	}
	return nil
}

const embeddingColumns = `segment_id, run_id, embedding, speaker_id, speaker_label, updated_at`

func scanEmbedding(row pgx.CollectableRow) (voiceprint.Embedding, error) {
	var (
		rec voiceprint.Embedding
		vec pgvector.Vector
	)
	if err := row.Scan(&rec.SegmentID, &rec.RunID, &vec, &rec.SpeakerID, &rec.SpeakerLabel, &rec.UpdatedAt); err != nil {
		return voiceprint.Embedding{}, err
	}
	rec.Vector = vec.Slice()
	return rec, nil
}

// Get implements [voiceprint.Store.Get].
func (s *Store) Get(ctx context.Context, segmentID string) (voiceprint.Embedding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+embeddingColumns+` FROM voiceprints WHERE segment_id = $1`, segmentID)
	if err != nil {
		return voiceprint.Embedding{}, fmt.Errorf("voiceprint postgres: get: %w", err)
	}
	rec, err := pgx.CollectOneRow(rows, scanEmbedding)
	if errors.Is(err, pgx.ErrNoRows) {
		return voiceprint.Embedding{}, voiceprint.ErrNotFound
	}
	if err != nil {
		return voiceprint.Embedding{}, fmt.Errorf("voiceprint postgres: get: %w", err)
	}
	return rec, nil
}

// QueryByRun implements [voiceprint.Store.QueryByRun].
func (s *Store) QueryByRun(ctx context.Context, runID string, onlyUnassigned bool) ([]voiceprint.Embedding, error) {
	q := `SELECT ` + embeddingColumns + ` FROM voiceprints WHERE run_id = $1`
	if onlyUnassigned {
		q += ` AND speaker_id IS NULL`
	}
	q += ` ORDER BY segment_id`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("voiceprint postgres: query by run: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanEmbedding)
	if err != nil {
		return nil, fmt.Errorf("voiceprint postgres: scan rows: %w", err)
	}
	return recs, nil
}

// ListConfirmed implements [voiceprint.Store.ListConfirmed].
func (s *Store) ListConfirmed(ctx context.Context, runID string) ([]voiceprint.Embedding, error) {
	q := `SELECT ` + embeddingColumns + ` FROM voiceprints WHERE speaker_id IS NOT NULL`
	args := []any{}
	if runID != "" {
		q += ` AND run_id = $1`
		args = append(args, runID)
	}
	q += ` ORDER BY updated_at DESC, segment_id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("voiceprint postgres: list confirmed: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanEmbedding)
	if err != nil {
		return nil, fmt.Errorf("voiceprint postgres: scan rows: %w", err)
	}
	return recs, nil
}

// BulkSetSpeaker implements [voiceprint.Store.BulkSetSpeaker]. Each ID is a
// separate single-row UPDATE: atomic per ID, not across the batch.
func (s *Store) BulkSetSpeaker(ctx context.Context, segmentIDs []string, speakerID string) (int, error) {
	updated := 0
	for _, id := range segmentIDs {
		tag, err := s.pool.Exec(ctx,
			`UPDATE voiceprints SET speaker_id = $2, updated_at = now() WHERE segment_id = $1`,
			id, speakerID)
		if err != nil {
			return updated, fmt.Errorf("voiceprint postgres: bulk set speaker %q: %w", id, err)
		}
		updated += int(tag.RowsAffected())
	}
	return updated, nil
}

// Delete implements [voiceprint.Store.Delete].
func (s *Store) Delete(ctx context.Context, segmentID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM voiceprints WHERE segment_id = $1`, segmentID); err != nil {
		return fmt.Errorf("voiceprint postgres: delete: %w", err)
	}
	return nil
}
