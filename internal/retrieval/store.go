package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/kovel/docchat/internal/chunker"
)

// ScoredChunk is a stored chunk paired with its cosine similarity to a
// query vector.
type ScoredChunk struct {
	DocumentID string
	Index      int
	Text       string
	TokenCount int
	Kind       chunker.Kind
	Importance float64
	Score      float32
	CreatedAt  time.Time
}

// Store persists chunk text and embeddings in SQLite and answers
// brute-force cosine similarity queries scoped to a single document.
//
// Per-document chunk counts stay in the hundreds, so a linear scan over
// the document's rows beats index maintenance. Revisit if documents grow
// past ~100K chunks.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing *sql.DB. The document_chunks table must
// already exist (created via migrations).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertChunks stores a document's chunks with their vectors in a single
// transaction. chunks and vectors are paired by position.
func (s *Store) InsertChunks(ctx context.Context, documentID string, chunks []chunker.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO document_chunks (document_id, chunk_index, text, token_count, kind, importance, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	createdAt := time.Now().UTC().Format(time.RFC3339)
	for i, c := range chunks {
		blob := encodeFloat32s(vectors[i])
		if _, err := stmt.Exec(documentID, c.Index, c.Text, c.TokenCount, string(c.Kind), c.Importance, blob, createdAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %d of %s: %w", c.Index, documentID, err)
		}
	}

	return tx.Commit()
}

// Search scans the document's chunks and returns up to topK results with
// similarity >= minSimilarity, ordered by score descending. Equal scores
// are broken by ascending chunk index so earlier document content wins.
func (s *Store) Search(ctx context.Context, documentID string, vector []float32, topK int, minSimilarity float32) ([]ScoredChunk, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index, text, token_count, kind, importance, embedding, created_at
		FROM document_chunks WHERE document_id = ? ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks for %s: %w", documentID, err)
	}
	defer rows.Close()

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	var results []ScoredChunk
	for rows.Next() {
		var c ScoredChunk
		var kind string
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.Index, &c.Text, &c.TokenCount, &kind, &c.Importance, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for chunk %d of %s: %w", c.Index, documentID, err)
		}

		score := cosine(vector, buf, queryNorm)
		if score < minSimilarity {
			continue
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for chunk %d: %w", c.Index, err)
		}
		c.DocumentID = documentID
		c.Kind = chunker.Kind(kind)
		c.Score = score
		c.CreatedAt = t
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk rows: %w", err)
	}

	sortByScore(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// sortByScore orders by score descending, then chunk index ascending.
// Rows arrive index-ordered, so an insertion sort keeps ties stable.
func sortByScore(results []ScoredChunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// DeleteDocument removes all chunks belonging to a document and reports
// how many rows were removed.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM document_chunks WHERE document_id = ?", documentID)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountChunks returns the number of stored chunks for a document.
func (s *Store) CountChunks(ctx context.Context, documentID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM document_chunks WHERE document_id = ?", documentID).Scan(&count)
	return count, err
}

// Chunks returns a document's chunks in index order, without embeddings.
func (s *Store) Chunks(ctx context.Context, documentID string) ([]chunker.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_index, text, token_count, kind, importance
		FROM document_chunks WHERE document_id = ? ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks for %s: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []chunker.Chunk
	for rows.Next() {
		var c chunker.Chunk
		var kind string
		if err := rows.Scan(&c.Index, &c.Text, &c.TokenCount, &kind, &c.Importance); err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		c.Kind = chunker.Kind(kind)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}
