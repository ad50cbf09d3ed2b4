package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// StoredChunk is a chunk with its embedding and source provenance.
type StoredChunk struct {
	Source    string
	Ord       int
	Text      string
	Embedding []float32
}

// SourceInfo describes an ingested source document.
type SourceInfo struct {
	Name       string
	Collection string
	ChunkCount int
	UpdatedAt  time.Time
}

// Store persists chunks and their embeddings in SQLite. A source is
// identified by (name, collection); replacing a source is atomic, so
// readers never observe a partially ingested document.
type Store struct {
	db *sql.DB
}

// NewStore creates a chunk store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open rag database: %w", err)
	}
	return NewStoreWithDB(db)
}

// NewStoreWithDB wraps an existing database handle. Used by tests and
// callers that manage their own connections.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate rag schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance jobs (VACUUM etc).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rag_sources (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		collection  TEXT NOT NULL,
		chunk_count INTEGER NOT NULL,
		updated_at  TEXT NOT NULL,
		UNIQUE(name, collection)
	);
	CREATE TABLE IF NOT EXISTS rag_chunks (
		id         TEXT PRIMARY KEY,
		source_id  TEXT NOT NULL REFERENCES rag_sources(id) ON DELETE CASCADE,
		collection TEXT NOT NULL,
		ord        INTEGER NOT NULL,
		text       TEXT NOT NULL,
		embedding  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_collection ON rag_chunks(collection);
	CREATE INDEX IF NOT EXISTS idx_rag_chunks_source ON rag_chunks(source_id, ord);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ReplaceSource atomically replaces all chunks for (name, collection)
// with the given set. Prior chunks are deleted and the new ones
// inserted in a single transaction.
func (s *Store) ReplaceSource(ctx context.Context, name, collection string, chunks []StoredChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace source: %w", err)
	}
	defer tx.Rollback()

	sourceID, err := upsertSource(ctx, tx, name, collection, len(chunks))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rag_chunks WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("delete prior chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO rag_chunks (id, source_id, collection, ord, text, embedding)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate chunk ID: %w", err)
		}
		emb, err := json.Marshal(ch.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id.String(), sourceID, collection, ch.Ord, ch.Text, string(emb)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.Ord, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace source: %w", err)
	}
	return nil
}

func upsertSource(ctx context.Context, tx *sql.Tx, name, collection string, chunkCount int) (string, error) {
	var sourceID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM rag_sources WHERE name = ? AND collection = ?`,
		name, collection).Scan(&sourceID)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch {
	case err == sql.ErrNoRows:
		id, idErr := uuid.NewV7()
		if idErr != nil {
			return "", fmt.Errorf("generate source ID: %w", idErr)
		}
		sourceID = id.String()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rag_sources (id, name, collection, chunk_count, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sourceID, name, collection, chunkCount, now); err != nil {
			return "", fmt.Errorf("insert source: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("lookup source: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE rag_sources SET chunk_count = ?, updated_at = ? WHERE id = ?`,
			chunkCount, now, sourceID); err != nil {
			return "", fmt.Errorf("update source: %w", err)
		}
	}
	return sourceID, nil
}

// DeleteSource removes a source and its chunks.
func (s *Store) DeleteSource(ctx context.Context, name, collection string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete source: %w", err)
	}
	defer tx.Rollback()

	var sourceID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM rag_sources WHERE name = ? AND collection = ?`,
		name, collection).Scan(&sourceID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup source: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rag_chunks WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rag_sources WHERE id = ?`, sourceID); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	return tx.Commit()
}

// ChunksInCollection returns every chunk in a collection with its
// embedding, ordered by source name and ordinal.
func (s *Store) ChunksInCollection(ctx context.Context, collection string) ([]StoredChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT src.name, c.ord, c.text, c.embedding
		 FROM rag_chunks c
		 JOIN rag_sources src ON src.id = c.source_id
		 WHERE c.collection = ?
		 ORDER BY src.name, c.ord`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []StoredChunk
	for rows.Next() {
		var ch StoredChunk
		var emb string
		if err := rows.Scan(&ch.Source, &ch.Ord, &ch.Text, &emb); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(emb), &ch.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding for %s#%d: %w", ch.Source, ch.Ord, err)
		}
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

// Sources lists ingested sources in a collection.
func (s *Store) Sources(ctx context.Context, collection string) ([]SourceInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, collection, chunk_count, updated_at
		 FROM rag_sources WHERE collection = ? ORDER BY name`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var sources []SourceInfo
	for rows.Next() {
		var info SourceInfo
		var updated string
		if err := rows.Scan(&info.Name, &info.Collection, &info.ChunkCount, &updated); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		sources = append(sources, info)
	}
	return sources, rows.Err()
}

// SourceUpdatedAt returns the last ingest time for a source, or the
// zero time if the source has never been ingested.
func (s *Store) SourceUpdatedAt(ctx context.Context, name, collection string) (time.Time, error) {
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM rag_sources WHERE name = ? AND collection = ?`,
		name, collection).Scan(&updated)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup source time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse source time: %w", err)
	}
	return t, nil
}
