package latticearchive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Utterance is one archived decode result.
type Utterance struct {
	UttID      string
	Hypothesis string
	TotalScore int64
	NumFrames  int
	NumWords   int
	LatticeHTK string
	DecodedAt  time.Time

	// Embedding, if non-empty, is upserted into the similarity index
	// alongside the row. Its length must match the dimension the Store
	// was created with.
	Embedding []float32
}

// SimilarResult pairs an archived utterance with its cosine distance to
// the query embedding (smaller is more similar).
type SimilarResult struct {
	Utterance Utterance
	Distance  float64
}

// Store is the PostgreSQL-backed utterance archive. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate]. dimensions must match the
// embedding vectors the caller will store.
func NewStore(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("latticearchive: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("latticearchive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("latticearchive: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("latticearchive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveUtterance upserts one decode result, replacing any previous row
// with the same utterance id. A non-empty Embedding is upserted into the
// similarity index in the same call.
func (s *Store) SaveUtterance(ctx context.Context, u Utterance) error {
	const q = `
		INSERT INTO utterances
		    (utt_id, hypothesis, total_score, num_frames, num_words, lattice_htk, decoded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (utt_id) DO UPDATE SET
		    hypothesis  = EXCLUDED.hypothesis,
		    total_score = EXCLUDED.total_score,
		    num_frames  = EXCLUDED.num_frames,
		    num_words   = EXCLUDED.num_words,
		    lattice_htk = EXCLUDED.lattice_htk,
		    decoded_at  = EXCLUDED.decoded_at`

	decodedAt := u.DecodedAt
	if decodedAt.IsZero() {
		decodedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		u.UttID, u.Hypothesis, u.TotalScore, u.NumFrames, u.NumWords, u.LatticeHTK, decodedAt)
	if err != nil {
		return fmt.Errorf("latticearchive: save utterance: %w", err)
	}

	if len(u.Embedding) > 0 {
		const eq = `
			INSERT INTO utterance_embeddings (utt_id, embedding)
			VALUES ($1, $2)
			ON CONFLICT (utt_id) DO UPDATE SET embedding = EXCLUDED.embedding`
		if _, err := s.pool.Exec(ctx, eq, u.UttID, pgvector.NewVector(u.Embedding)); err != nil {
			return fmt.Errorf("latticearchive: save embedding: %w", err)
		}
	}
	return nil
}

// Get returns the archived utterance with the given id, or (nil, nil) if
// it does not exist.
func (s *Store) Get(ctx context.Context, uttID string) (*Utterance, error) {
	const q = `
		SELECT utt_id, hypothesis, total_score, num_frames, num_words, lattice_htk, decoded_at
		FROM   utterances
		WHERE  utt_id = $1`

	rows, err := s.pool.Query(ctx, q, uttID)
	if err != nil {
		return nil, fmt.Errorf("latticearchive: get: %w", err)
	}
	us, err := collectUtterances(rows)
	if err != nil {
		return nil, err
	}
	if len(us) == 0 {
		return nil, nil
	}
	return &us[0], nil
}

// Recent returns the most recently decoded utterances, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Utterance, error) {
	const q = `
		SELECT utt_id, hypothesis, total_score, num_frames, num_words, lattice_htk, decoded_at
		FROM   utterances
		ORDER  BY decoded_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("latticearchive: recent: %w", err)
	}
	return collectUtterances(rows)
}

// SearchText performs a full-text search over archived hypotheses,
// newest first.
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]Utterance, error) {
	const q = `
		SELECT utt_id, hypothesis, total_score, num_frames, num_words, lattice_htk, decoded_at
		FROM   utterances
		WHERE  to_tsvector('english', hypothesis) @@ plainto_tsquery('english', $1)
		ORDER  BY decoded_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("latticearchive: search text: %w", err)
	}
	return collectUtterances(rows)
}

// Similar returns the topK archived utterances whose embeddings are
// closest (cosine distance) to embedding, most similar first. Utterances
// saved without an embedding are not candidates.
func (s *Store) Similar(ctx context.Context, embedding []float32, topK int) ([]SimilarResult, error) {
	const q = `
		SELECT u.utt_id, u.hypothesis, u.total_score, u.num_frames, u.num_words,
		       u.lattice_htk, u.decoded_at,
		       e.embedding <=> $1 AS distance
		FROM   utterance_embeddings e
		JOIN   utterances u ON u.utt_id = e.utt_id
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("latticearchive: similar: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SimilarResult, error) {
		var r SimilarResult
		err := row.Scan(
			&r.Utterance.UttID,
			&r.Utterance.Hypothesis,
			&r.Utterance.TotalScore,
			&r.Utterance.NumFrames,
			&r.Utterance.NumWords,
			&r.Utterance.LatticeHTK,
			&r.Utterance.DecodedAt,
			&r.Distance,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("latticearchive: scan similar: %w", err)
	}
	return results, nil
}

// collectUtterances scans pgx rows into a slice of Utterance values.
func collectUtterances(rows pgx.Rows) ([]Utterance, error) {
	us, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Utterance, error) {
		var u Utterance
		err := row.Scan(
			&u.UttID,
			&u.Hypothesis,
			&u.TotalScore,
			&u.NumFrames,
			&u.NumWords,
			&u.LatticeHTK,
			&u.DecodedAt,
		)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("latticearchive: scan rows: %w", err)
	}
	if us == nil {
		us = []Utterance{}
	}
	return us, nil
}
