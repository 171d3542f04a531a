// Package latticearchive provides a PostgreSQL-backed archive of decoded
// utterances: the final hypothesis, the HTK lattice text, and decode
// statistics, for post-hoc inspection of a long-running decoder.
//
// An optional pgvector-indexed embedding of the hypothesis text supports
// finding repeated utterances (the same voice command issued again)
// across a session. The embedding itself is caller-supplied — this
// package stores and searches vectors, it does not produce them.
//
// Usage:
//
//	store, err := latticearchive.NewStore(ctx, dsn, 256)
//	if err != nil { … }
//
//	_ = store.SaveUtterance(ctx, rec)
//	recent, _ := store.Recent(ctx, 20)
//	similar, _ := store.Similar(ctx, embedding, 5)
package latticearchive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    utt_id       TEXT         PRIMARY KEY,
    hypothesis   TEXT         NOT NULL,
    total_score  BIGINT       NOT NULL,
    num_frames   INTEGER      NOT NULL DEFAULT 0,
    num_words    INTEGER      NOT NULL DEFAULT 0,
    lattice_htk  TEXT         NOT NULL DEFAULT '',
    decoded_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_utterances_decoded_at
    ON utterances (decoded_at);

CREATE INDEX IF NOT EXISTS idx_utterances_fts
    ON utterances USING GIN (to_tsvector('english', hypothesis));
`

// ddlEmbeddings returns the embedding DDL with the vector dimension
// substituted. The dimension is baked into the column type at schema
// creation time.
func ddlEmbeddings(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS utterance_embeddings (
    utt_id     TEXT  PRIMARY KEY REFERENCES utterances (utt_id) ON DELETE CASCADE,
    embedding  vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_utterance_embeddings_hnsw
    ON utterance_embeddings USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates or ensures all required tables and extensions exist.
// Idempotent and safe to call on every decoder start. dimensions must
// match the embedding model used by the caller; changing it after the
// first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	for _, stmt := range []string{ddlUtterances, ddlEmbeddings(dimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("latticearchive migrate: %w", err)
		}
	}
	return nil
}
