package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wrenware/orla/internal/embeddings"
)

// Embedder generates embeddings for texts, preserving input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Result is one retrieved chunk with its similarity score and
// provenance.
type Result struct {
	Source string  `json:"source"`
	Ord    int     `json:"ord"`
	Text   string  `json:"text"`
	Score  float32 `json:"score"`
}

// Engine ties chunking, embedding, and storage into ingest and query
// operations.
type Engine struct {
	store    *Store
	embedder Embedder
	chunker  *Chunker
	topK     int
	logger   *slog.Logger
}

// NewEngine creates a retrieval engine. topK is the default result
// count for Query when the caller passes k <= 0.
func NewEngine(store *Store, embedder Embedder, chunker *Chunker, topK int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		chunker:  chunker,
		topK:     topK,
		logger:   logger.With("component", "rag"),
	}
}

// Ingest chunks a source document, embeds the chunks, and atomically
// replaces any prior version of the source. Re-ingesting unchanged
// content is idempotent. Returns the number of chunks stored.
func (e *Engine) Ingest(ctx context.Context, collection, sourceName, text string) (int, error) {
	chunks := e.chunker.Split(text)
	if len(chunks) == 0 {
		// An emptied document still replaces its prior chunks.
		if err := e.store.ReplaceSource(ctx, sourceName, collection, nil); err != nil {
			return 0, fmt.Errorf("replace empty source %q: %w", sourceName, err)
		}
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed source %q: %w", sourceName, err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embed source %q: got %d vectors for %d chunks", sourceName, len(vectors), len(chunks))
	}

	stored := make([]StoredChunk, len(chunks))
	for i, ch := range chunks {
		stored[i] = StoredChunk{
			Source:    sourceName,
			Ord:       ch.Ord,
			Text:      ch.Text,
			Embedding: vectors[i],
		}
	}

	if err := e.store.ReplaceSource(ctx, sourceName, collection, stored); err != nil {
		return 0, fmt.Errorf("replace source %q: %w", sourceName, err)
	}

	e.logger.Debug("ingested source",
		"collection", collection,
		"source", sourceName,
		"chunks", len(stored),
	)
	return len(stored), nil
}

// Query embeds the query once, scores it against every chunk in the
// collection, and returns the top k results sorted by score descending
// with (source name, ordinal) as the deterministic tie-break. An empty
// collection returns an empty slice, not an error.
func (e *Engine) Query(ctx context.Context, collection, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = e.topK
	}

	chunks, err := e.store.ChunksInCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("load collection %q: %w", collection, err)
	}
	if len(chunks) == 0 {
		return []Result{}, nil
	}

	queryVec, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(queryVec) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(queryVec))
	}

	results := make([]Result, len(chunks))
	for i, ch := range chunks {
		results[i] = Result{
			Source: ch.Source,
			Ord:    ch.Ord,
			Text:   ch.Text,
			Score:  embeddings.CosineSimilarity(queryVec[0], ch.Embedding),
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Source != results[j].Source {
			return results[i].Source < results[j].Source
		}
		return results[i].Ord < results[j].Ord
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// DeleteSource removes a source from the collection.
func (e *Engine) DeleteSource(ctx context.Context, collection, sourceName string) error {
	return e.store.DeleteSource(ctx, sourceName, collection)
}

// Sources lists ingested sources in a collection.
func (e *Engine) Sources(ctx context.Context, collection string) ([]SourceInfo, error) {
	return e.store.Sources(ctx, collection)
}

// SourceUpdatedAt reports when a source was last ingested.
func (e *Engine) SourceUpdatedAt(ctx context.Context, collection, sourceName string) (time.Time, error) {
	return e.store.SourceUpdatedAt(ctx, sourceName, collection)
}
