// Package cache provides a content-addressed SQLite cache for embedding
// vectors and extracted documents, each with its own time-to-live.
//
// The cache is an optimization layer: a miss always falls through to
// recomputation, so read failures degrade to misses. Write failures are
// never swallowed — a cache that silently stops persisting would go
// unnoticed while every expensive call is repeated.
package cache

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/kovel/docchat/internal/chunker"
)

// Default retention windows.
const (
	DefaultEmbeddingTTL = 7 * 24 * time.Hour
	DefaultDocumentTTL  = 30 * 24 * time.Hour
)

// Document is a cached extraction result: the full text and the chunk set
// derived from it.
type Document struct {
	ID        string
	Name      string
	Text      string
	PageCount int
	Chunks    []chunker.Chunk
	CachedAt  time.Time
}

// Cache stores embeddings keyed by a content fingerprint and documents
// keyed by id. Entries past their TTL are evicted lazily on lookup.
type Cache struct {
	db           *sql.DB
	embeddingTTL time.Duration
	documentTTL  time.Duration
	now          func() time.Time
}

// New wraps an existing *sql.DB for cache operations. The embedding_cache
// and document_cache tables must already exist (created via migrations).
// TTLs <= 0 fall back to the defaults.
func New(db *sql.DB, embeddingTTL, documentTTL time.Duration) *Cache {
	if embeddingTTL <= 0 {
		embeddingTTL = DefaultEmbeddingTTL
	}
	if documentTTL <= 0 {
		documentTTL = DefaultDocumentTTL
	}
	return &Cache{
		db:           db,
		embeddingTTL: embeddingTTL,
		documentTTL:  documentTTL,
		now:          time.Now,
	}
}

// Fingerprint derives the cache key from text content using 64-bit FNV-1a.
// Not adversarially collision-resistant, but wide enough that accidental
// collisions on natural-language input are negligible.
func Fingerprint(text string) string {
	h := fnv.New64a()
	h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}

// GetEmbedding looks up the cached vector for text. Expired entries are
// deleted and reported as misses. Storage read errors also degrade to
// misses (logged), since recomputation is always safe.
func (c *Cache) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	key := Fingerprint(text)

	var blob []byte
	var createdAt string
	err := c.db.QueryRowContext(ctx,
		`SELECT embedding, created_at FROM embedding_cache WHERE fingerprint = ?`, key,
	).Scan(&blob, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		slog.Warn("embedding cache read failed, treating as miss", "error", err)
		return nil, false
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil || c.now().Sub(t) >= c.embeddingTTL {
		if _, delErr := c.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE fingerprint = ?`, key); delErr != nil {
			slog.Warn("evicting expired embedding failed", "error", delErr)
		}
		return nil, false
	}

	vec, err := decodeVector(blob)
	if err != nil {
		slog.Warn("embedding cache entry corrupt, treating as miss", "error", err)
		return nil, false
	}
	return vec, true
}

// PutEmbedding upserts the vector keyed by the text's fingerprint.
func (c *Cache) PutEmbedding(ctx context.Context, text string, vec []float32) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (fingerprint, embedding, created_at) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET embedding = excluded.embedding, created_at = excluded.created_at`,
		Fingerprint(text), encodeVector(vec), c.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("caching embedding: %w", err)
	}
	return nil
}

// GetEmbeddings looks up many texts, preserving input order. A nil entry
// in the result marks a miss at that index.
func (c *Cache) GetEmbeddings(ctx context.Context, texts []string) [][]float32 {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := c.GetEmbedding(ctx, text); ok {
			results[i] = vec
		}
	}
	return results
}

// PutEmbeddings stores texts[i] -> vecs[i] pairs. Pairs written before a
// failure remain cached; partial application is acceptable here because
// every entry is independently correct.
func (c *Cache) PutEmbeddings(ctx context.Context, texts []string, vecs [][]float32) error {
	if len(texts) != len(vecs) {
		return fmt.Errorf("caching embeddings: %d texts but %d vectors", len(texts), len(vecs))
	}
	for i := range texts {
		if err := c.PutEmbedding(ctx, texts[i], vecs[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetDocument returns the cached extraction for a document id, applying
// the document TTL with the same lazy-eviction rule as embeddings.
func (c *Cache) GetDocument(ctx context.Context, id string) (*Document, bool) {
	var d Document
	var chunksJSON, createdAt string
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, full_text, page_count, chunks_json, created_at FROM document_cache WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Text, &d.PageCount, &chunksJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		slog.Warn("document cache read failed, treating as miss", "error", err)
		return nil, false
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil || c.now().Sub(t) >= c.documentTTL {
		if _, delErr := c.db.ExecContext(ctx, `DELETE FROM document_cache WHERE id = ?`, id); delErr != nil {
			slog.Warn("evicting expired document failed", "error", delErr)
		}
		return nil, false
	}

	if err := json.Unmarshal([]byte(chunksJSON), &d.Chunks); err != nil {
		slog.Warn("document cache chunks corrupt, treating as miss", "id", id, "error", err)
		return nil, false
	}
	d.CachedAt = t
	return &d, true
}

// PutDocument upserts the extraction result for a document id.
func (c *Cache) PutDocument(ctx context.Context, d Document) error {
	chunksJSON, err := json.Marshal(d.Chunks)
	if err != nil {
		return fmt.Errorf("encoding chunks for document %s: %w", d.ID, err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO document_cache (id, name, full_text, page_count, chunks_json, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, full_text = excluded.full_text,
			page_count = excluded.page_count, chunks_json = excluded.chunks_json, created_at = excluded.created_at`,
		d.ID, d.Name, d.Text, d.PageCount, string(chunksJSON), c.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("caching document %s: %w", d.ID, err)
	}
	return nil
}

// EvictExpired sweeps both stores, deleting entries older than their
// retention window. Not required for correctness, only space reclamation.
func (c *Cache) EvictExpired(ctx context.Context) (int64, error) {
	var total int64

	cutoff := c.now().Add(-c.embeddingTTL).UTC().Format(time.RFC3339)
	res, err := c.db.ExecContext(ctx, `DELETE FROM embedding_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("sweeping embedding cache: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	cutoff = c.now().Add(-c.documentTTL).UTC().Format(time.RFC3339)
	res, err = c.db.ExecContext(ctx, `DELETE FROM document_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("sweeping document cache: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}

// encodeVector serializes a float32 slice to little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes little-endian bytes into a float32 slice.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
