package cache

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kovel/docchat/internal/chunker"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	// A second pool connection would see its own empty in-memory database.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE embedding_cache (
			fingerprint TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE document_cache (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			full_text TEXT NOT NULL,
			page_count INTEGER NOT NULL DEFAULT 0,
			chunks_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`)
	if err != nil {
		t.Fatalf("creating tables: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEmbeddingRoundTrip(t *testing.T) {
	c := New(openTestDB(t), 0, 0)
	ctx := context.Background()

	vec := []float32{0.25, -1.5, 3.125}
	if err := c.PutEmbedding(ctx, "some chunk text", vec); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}

	got, ok := c.GetEmbedding(ctx, "some chunk text")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if len(got) != len(vec) {
		t.Fatalf("got %d dims, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("dim %d = %v, want %v", i, got[i], vec[i])
		}
	}
}

func TestEmbeddingMiss(t *testing.T) {
	c := New(openTestDB(t), 0, 0)
	if _, ok := c.GetEmbedding(context.Background(), "never stored"); ok {
		t.Error("expected miss for unstored text")
	}
}

func TestEmbeddingExpiryEvictsLazily(t *testing.T) {
	db := openTestDB(t)
	c := New(db, 7*24*time.Hour, 0)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	if err := c.PutEmbedding(ctx, "aging text", []float32{1, 2}); err != nil {
		t.Fatalf("PutEmbedding: %v", err)
	}

	// 8 days later the entry is past its 7-day TTL: miss, and evicted.
	c.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	if _, ok := c.GetEmbedding(ctx, "aging text"); ok {
		t.Fatal("expected expired entry to miss")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM embedding_cache`).Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 0 {
		t.Errorf("expired entry still present, count = %d", count)
	}
}

func TestBatchPreservesOrder(t *testing.T) {
	c := New(openTestDB(t), 0, 0)
	ctx := context.Background()

	texts := []string{"first", "second", "third"}
	if err := c.PutEmbeddings(ctx, []string{"first", "third"}, [][]float32{{1}, {3}}); err != nil {
		t.Fatalf("PutEmbeddings: %v", err)
	}

	got := c.GetEmbeddings(ctx, texts)
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	if got[0] == nil || got[0][0] != 1 {
		t.Errorf("index 0 = %v, want [1]", got[0])
	}
	if got[1] != nil {
		t.Errorf("index 1 = %v, want miss", got[1])
	}
	if got[2] == nil || got[2][0] != 3 {
		t.Errorf("index 2 = %v, want [3]", got[2])
	}
}

func TestPutEmbeddingsLengthMismatch(t *testing.T) {
	c := New(openTestDB(t), 0, 0)
	if err := c.PutEmbeddings(context.Background(), []string{"a", "b"}, [][]float32{{1}}); err == nil {
		t.Error("expected error for mismatched lengths")
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	c := New(openTestDB(t), 0, 0)
	ctx := context.Background()

	chunks := []chunker.Chunk{
		{Text: "chunk zero", Index: 0, TokenCount: 2, Kind: chunker.KindParagraph},
		{Text: "chunk one", Index: 1, TokenCount: 2, Kind: chunker.KindList, Importance: 2},
	}
	doc := Document{ID: "doc-1", Name: "report.pdf", Text: "chunk zero chunk one", PageCount: 3, Chunks: chunks}
	if err := c.PutDocument(ctx, doc); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	got, ok := c.GetDocument(ctx, "doc-1")
	if !ok {
		t.Fatal("expected document hit")
	}
	if got.Name != "report.pdf" {
		t.Errorf("name = %q, want report.pdf", got.Name)
	}
	if got.PageCount != 3 {
		t.Errorf("page count = %d, want 3", got.PageCount)
	}
	if len(got.Chunks) != 2 || got.Chunks[1].Kind != chunker.KindList {
		t.Errorf("chunks round-trip mismatch: %+v", got.Chunks)
	}
}

func TestDocumentExpiry(t *testing.T) {
	c := New(openTestDB(t), 0, 30*24*time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	if err := c.PutDocument(ctx, Document{ID: "doc-1", Name: "old.pdf", Text: "text"}); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	c.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }
	if _, ok := c.GetDocument(ctx, "doc-1"); ok {
		t.Error("expected expired document to miss")
	}
}

func TestEvictExpired(t *testing.T) {
	db := openTestDB(t)
	c := New(db, 7*24*time.Hour, 30*24*time.Hour)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	if err := c.PutEmbedding(ctx, "old embedding", []float32{1}); err != nil {
		t.Fatal(err)
	}
	if err := c.PutDocument(ctx, Document{ID: "old-doc", Name: "a.pdf", Text: "t"}); err != nil {
		t.Fatal(err)
	}

	c.now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	if err := c.PutEmbedding(ctx, "fresh embedding", []float32{2}); err != nil {
		t.Fatal(err)
	}

	n, err := c.EvictExpired(ctx)
	if err != nil {
		t.Fatalf("EvictExpired: %v", err)
	}
	// Embedding past 7d goes; the 10-day-old document stays under its 30d TTL.
	if n != 1 {
		t.Errorf("evicted %d entries, want 1", n)
	}
	if _, ok := c.GetEmbedding(ctx, "fresh embedding"); !ok {
		t.Error("fresh embedding should survive the sweep")
	}
}

func TestFingerprintDeterministicAndDistinct(t *testing.T) {
	if Fingerprint("same text") != Fingerprint("same text") {
		t.Error("fingerprint not deterministic")
	}
	if Fingerprint("text a") == Fingerprint("text b") {
		t.Error("distinct texts produced the same fingerprint")
	}
}
