// Package pipeline orchestrates document ingestion: extraction, chunking,
// embedding, and persistence, with staged progress reporting.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kovel/docchat/internal/cache"
	"github.com/kovel/docchat/internal/chunker"
	"github.com/kovel/docchat/internal/extract"
	"github.com/kovel/docchat/internal/retrieval"
	"github.com/kovel/docchat/internal/storage"
)

// Processing stages, in order.
const (
	StageExtracting = "extracting"
	StageChunking   = "chunking"
	StageEmbedding  = "embedding"
	StageStoring    = "storing"
	StageCompleted  = "completed"
)

// Progress is a coarse-grained ingestion progress event. Percent covers the
// whole pipeline, not the current stage.
type Progress struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// Result captures what ingestion produced for a document.
type Result struct {
	DocumentID string
	PageCount  int
	ChunkCount int
	TokenCount int
	FromCache  bool
	Duration   time.Duration
}

// Processor runs the full ingestion pipeline for one document. Extraction
// and chunking are skipped when the document cache holds an entry for the
// same content fingerprint.
type Processor struct {
	extractor *extract.Extractor
	splitter  *chunker.Splitter
	embedder  embedder
	vectors   *retrieval.Store
	docs      *storage.Store
	cache     *cache.Cache
	logger    *slog.Logger
}

type embedder interface {
	EmbedMany(ctx context.Context, texts []string, onProgress func(completed, total int)) ([][]float32, error)
}

// NewProcessor wires the ingestion pipeline components together.
func NewProcessor(
	extractor *extract.Extractor,
	splitter *chunker.Splitter,
	emb embedder,
	vectors *retrieval.Store,
	docs *storage.Store,
	docCache *cache.Cache,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		extractor: extractor,
		splitter:  splitter,
		embedder:  emb,
		vectors:   vectors,
		docs:      docs,
		cache:     docCache,
		logger:    logger,
	}
}

// Process ingests a PDF: extract text, split into chunks, embed, and store
// the vectors. The document row transitions processing -> ready, or failed
// with the error recorded. onProgress, if non-nil, receives stage events
// with overall percent.
//
// Extraction occupies 0-70% of the reported range, chunking up to 75%,
// embedding up to 95%, and storage the remainder.
func (p *Processor) Process(ctx context.Context, documentID, name string, data []byte, onProgress func(Progress)) (*Result, error) {
	start := time.Now()
	report := func(stage string, percent int, msg string) {
		if onProgress != nil {
			onProgress(Progress{Stage: stage, Percent: percent, Message: msg})
		}
	}

	if err := p.docs.UpdateDocumentStatus(documentID, storage.DocStatusProcessing, ""); err != nil {
		return nil, fmt.Errorf("marking document processing: %w", err)
	}

	res, err := p.process(ctx, documentID, name, data, report)
	if err != nil {
		if stErr := p.docs.UpdateDocumentStatus(documentID, storage.DocStatusFailed, err.Error()); stErr != nil {
			p.logger.Error("recording ingestion failure", "document_id", documentID, "error", stErr)
		}
		return nil, err
	}

	res.DocumentID = documentID
	res.Duration = time.Since(start)
	report(StageCompleted, 100, "document ready")
	p.logger.Info("document ingested",
		"document_id", documentID,
		"pages", res.PageCount,
		"chunks", res.ChunkCount,
		"tokens", res.TokenCount,
		"from_cache", res.FromCache,
		"duration_ms", res.Duration.Milliseconds())
	return res, nil
}

func (p *Processor) process(ctx context.Context, documentID, name string, data []byte, report func(string, int, string)) (*Result, error) {
	fingerprint := cache.Fingerprint(string(data))

	var res Result
	var chunks []chunker.Chunk

	// Identical content may already have been extracted and chunked.
	if cached, ok := p.cache.GetDocument(ctx, fingerprint); ok {
		p.logger.Debug("document cache hit", "document_id", documentID, "fingerprint", fingerprint)
		chunks = cached.Chunks
		res.PageCount = cached.PageCount
		res.FromCache = true
		report(StageChunking, 75, "reusing cached extraction")
	} else {
		extracted, err := p.extractor.Extract(ctx, data, func(ep extract.Progress) {
			report(StageExtracting, ep.Percent*70/100, ep.Message)
		})
		if err != nil {
			return nil, err
		}
		res.PageCount = extracted.PageCount

		report(StageChunking, 72, "splitting text into chunks")
		chunks = p.splitter.Split(extracted.Text)
		report(StageChunking, 75, fmt.Sprintf("%d chunks", len(chunks)))

		if err := p.cache.PutDocument(ctx, cache.Document{
			ID:        fingerprint,
			Name:      name,
			Text:      extracted.Text,
			PageCount: extracted.PageCount,
			Chunks:    chunks,
		}); err != nil {
			// Cache write failure is not fatal to ingestion.
			p.logger.Warn("document cache write failed", "document_id", documentID, "error", err)
		}
	}

	if len(chunks) == 0 {
		return nil, extract.ErrNoText
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
		res.TokenCount += c.TokenCount
	}
	res.ChunkCount = len(chunks)

	vectors, err := p.embedder.EmbedMany(ctx, texts, func(completed, total int) {
		report(StageEmbedding, 75+20*completed/total, fmt.Sprintf("embedded %d/%d chunks", completed, total))
	})
	if err != nil {
		return nil, fmt.Errorf("embedding chunks: %w", err)
	}

	report(StageStoring, 96, "storing vectors")

	// Reprocessing replaces the previous vectors wholesale.
	if _, err := p.vectors.DeleteDocument(ctx, documentID); err != nil {
		return nil, err
	}
	if err := p.vectors.InsertChunks(ctx, documentID, chunks, vectors); err != nil {
		return nil, fmt.Errorf("storing chunks: %w", err)
	}

	if err := p.docs.MarkDocumentReady(documentID, res.PageCount, res.ChunkCount, res.TokenCount); err != nil {
		return nil, fmt.Errorf("marking document ready: %w", err)
	}

	return &res, nil
}
