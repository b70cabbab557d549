// Package retrieval stores embedded document chunks and finds the ones
// most relevant to a query by cosine similarity.
package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Retrieval defaults. Chunks scoring below the similarity floor are noise
// for prompt assembly and never make it into results.
const (
	DefaultTopK          = 8
	DefaultMinSimilarity = 0.1
)

// queryEmbedder resolves a single query string to a vector.
type queryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Retriever embeds a query and searches one document's chunks.
type Retriever struct {
	embedder      queryEmbedder
	store         *Store
	topK          int
	minSimilarity float32
}

// NewRetriever creates a Retriever. topK <= 0 or minSimilarity < 0 fall
// back to the defaults.
func NewRetriever(embedder queryEmbedder, store *Store, topK int, minSimilarity float32) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if minSimilarity < 0 {
		minSimilarity = DefaultMinSimilarity
	}
	return &Retriever{embedder: embedder, store: store, topK: topK, minSimilarity: minSimilarity}
}

// Retrieve returns the document's chunks most similar to the query,
// best first. An empty result is not an error: it means nothing in the
// document cleared the similarity floor.
func (r *Retriever) Retrieve(ctx context.Context, documentID, query string) ([]ScoredChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vec, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	return r.store.Search(ctx, documentID, vec, r.topK, r.minSimilarity)
}
