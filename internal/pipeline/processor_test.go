package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/kovel/docchat/internal/cache"
	"github.com/kovel/docchat/internal/chunker"
	"github.com/kovel/docchat/internal/extract"
	"github.com/kovel/docchat/internal/retrieval"
	"github.com/kovel/docchat/internal/storage"
)

// fakeEmbedder returns a fixed-dimension vector per text.
type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedMany(_ context.Context, texts []string, onProgress func(completed, total int)) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	if onProgress != nil {
		onProgress(len(texts), len(texts))
	}
	return vecs, nil
}

type fixture struct {
	processor *Processor
	store     *storage.Store
	vectors   *retrieval.Store
	cache     *cache.Cache
	embedder  *fakeEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	docCache := cache.New(store.DB(), 0, 0)
	vectors := retrieval.NewStore(store.DB())
	emb := &fakeEmbedder{}
	p := NewProcessor(
		extract.NewExtractor(0),
		chunker.NewSplitter(0, 0, 0, 0),
		emb,
		vectors,
		store,
		docCache,
		slog.Default(),
	)
	return &fixture{processor: p, store: store, vectors: vectors, cache: docCache, embedder: emb}
}

// seedCachedDocument registers a document row and a document-cache entry for
// data, so Process takes the cache-hit path without touching a real PDF.
func seedCachedDocument(t *testing.T, f *fixture, id string, data []byte, chunks []chunker.Chunk) {
	t.Helper()
	if err := f.store.SaveDocument(storage.Document{
		ID:          id,
		Name:        "seeded.pdf",
		Fingerprint: cache.Fingerprint(string(data)),
	}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if err := f.cache.PutDocument(context.Background(), cache.Document{
		ID:        cache.Fingerprint(string(data)),
		Name:      "seeded.pdf",
		Text:      "cached text",
		PageCount: 4,
		Chunks:    chunks,
	}); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}
}

func sampleChunks() []chunker.Chunk {
	return []chunker.Chunk{
		{Text: "first chunk text", Index: 0, TokenCount: 3, Kind: chunker.KindParagraph, Importance: 1},
		{Text: "second chunk text", Index: 1, TokenCount: 3, Kind: chunker.KindParagraph, Importance: 1},
	}
}

func TestProcess_CachedExtraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("pdf bytes stand-in")
	seedCachedDocument(t, f, "doc-1", data, sampleChunks())

	var events []Progress
	res, err := f.processor.Process(ctx, "doc-1", "seeded.pdf", data, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !res.FromCache {
		t.Error("expected FromCache")
	}
	if res.PageCount != 4 {
		t.Errorf("PageCount = %d, want 4", res.PageCount)
	}
	if res.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", res.ChunkCount)
	}
	if res.TokenCount != 6 {
		t.Errorf("TokenCount = %d, want 6", res.TokenCount)
	}

	doc, err := f.store.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != storage.DocStatusReady {
		t.Errorf("status = %q, want ready", doc.Status)
	}
	if doc.ChunkCount != 2 {
		t.Errorf("stored chunk count = %d, want 2", doc.ChunkCount)
	}

	n, err := f.vectors.CountChunks(ctx, "doc-1")
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if n != 2 {
		t.Errorf("stored vectors = %d, want 2", n)
	}

	if len(events) == 0 {
		t.Fatal("expected progress events")
	}
	last := events[len(events)-1]
	if last.Stage != StageCompleted || last.Percent != 100 {
		t.Errorf("final event = %+v, want completed at 100", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Percent < events[i-1].Percent {
			t.Errorf("progress went backwards: %+v", events)
			break
		}
	}
}

func TestProcess_UnreadableBytes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.SaveDocument(storage.Document{ID: "doc-bad", Name: "bad.pdf", Fingerprint: "x"}); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	_, err := f.processor.Process(ctx, "doc-bad", "bad.pdf", []byte("not a pdf at all"), nil)
	var parseErr *extract.ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want *extract.ParseError", err)
	}

	doc, getErr := f.store.GetDocument("doc-bad")
	if getErr != nil {
		t.Fatalf("GetDocument: %v", getErr)
	}
	if doc.Status != storage.DocStatusFailed {
		t.Errorf("status = %q, want failed", doc.Status)
	}
	if doc.LastError == "" {
		t.Error("expected LastError to be recorded")
	}
}

func TestProcess_EmbedFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("pdf bytes")
	seedCachedDocument(t, f, "doc-emb", data, sampleChunks())
	f.embedder.err = errors.New("provider down")

	_, err := f.processor.Process(ctx, "doc-emb", "seeded.pdf", data, nil)
	if !errors.Is(err, f.embedder.err) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}

	doc, getErr := f.store.GetDocument("doc-emb")
	if getErr != nil {
		t.Fatalf("GetDocument: %v", getErr)
	}
	if doc.Status != storage.DocStatusFailed {
		t.Errorf("status = %q, want failed", doc.Status)
	}
}

func TestProcess_CachedEmptyChunks(t *testing.T) {
	f := newFixture(t)
	data := []byte("blank scan")
	seedCachedDocument(t, f, "doc-empty", data, nil)

	_, err := f.processor.Process(context.Background(), "doc-empty", "seeded.pdf", data, nil)
	if !errors.Is(err, extract.ErrNoText) {
		t.Fatalf("err = %v, want ErrNoText", err)
	}
}

func TestProcess_ReprocessReplacesVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("pdf bytes")
	seedCachedDocument(t, f, "doc-re", data, sampleChunks())

	if _, err := f.processor.Process(ctx, "doc-re", "seeded.pdf", data, nil); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if _, err := f.processor.Process(ctx, "doc-re", "seeded.pdf", data, nil); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	n, err := f.vectors.CountChunks(ctx, "doc-re")
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if n != 2 {
		t.Errorf("stored vectors = %d after reprocess, want 2", n)
	}
}

func TestProcess_UnknownDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.processor.Process(context.Background(), "no-such-doc", "x.pdf", []byte("data"), nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
